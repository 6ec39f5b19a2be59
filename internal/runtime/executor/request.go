package executor

import (
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
)

// modelMapping translates the OpenAI-style model ids the gateway exposes
// into CodeWhisperer model ids.
var modelMapping = map[string]string{
	"claude-opus-4-5":          "claude-opus-4.5",
	"claude-opus-4-5-20251101": "claude-opus-4.5",
	"claude-haiku-4-5":         "claude-haiku-4.5",
	"claude-haiku-4.5":         "claude-haiku-4.5",
	"claude-sonnet-4-5":        "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"auto":                       "claude-sonnet-4.5",
}

// MapModel resolves a requested model id to its upstream id. Unknown ids
// pass through unchanged.
func MapModel(model string) string {
	if mapped, ok := modelMapping[model]; ok {
		return mapped
	}
	return model
}

// messageText extracts the textual content of an OpenAI message, which may
// be a plain string or an array of typed parts.
func messageText(msg gjson.Result) string {
	content := msg.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				b.WriteString(part.Get("text").String())
			}
			return true
		})
		return b.String()
	}
	return ""
}

// PromptText concatenates the textual content of every message, for token
// accounting.
func PromptText(openaiBody []byte) string {
	var b strings.Builder
	gjson.GetBytes(openaiBody, "messages").ForEach(func(_, msg gjson.Result) bool {
		if text := messageText(msg); text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(text)
		}
		return true
	})
	return b.String()
}

// BuildPayload converts an OpenAI chat-completions request body into the
// CodeWhisperer conversation payload. The newest user turn becomes the
// current message; any system prompt is folded in front of it. The profile
// ARN is attached only when the credential calls for it.
func BuildPayload(openaiBody []byte, cred kiro.Credential) ([]byte, string, error) {
	model := gjson.GetBytes(openaiBody, "model").String()
	upstreamModel := MapModel(model)

	var system, current string
	messages := gjson.GetBytes(openaiBody, "messages")
	messages.ForEach(func(_, msg gjson.Result) bool {
		switch msg.Get("role").String() {
		case "system", "developer":
			if text := messageText(msg); text != "" {
				if system != "" {
					system += "\n\n"
				}
				system += text
			}
		case "user":
			current = messageText(msg)
		}
		return true
	})
	if system != "" {
		current = system + "\n\n" + current
	}

	payload := []byte(`{}`)
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		payload, err = sjson.SetBytes(payload, path, value)
	}
	set("conversationState.chatTriggerType", "MANUAL")
	set("conversationState.conversationId", uuid.NewString())
	set("conversationState.currentMessage.userInputMessage.content", current)
	set("conversationState.currentMessage.userInputMessage.modelId", upstreamModel)
	set("conversationState.currentMessage.userInputMessage.origin", "AI_EDITOR")
	if cred.IncludeProfileArn() && cred.ProfileArn() != "" {
		set("profileArn", cred.ProfileArn())
	}
	if err != nil {
		return nil, "", err
	}
	return payload, model, nil
}
