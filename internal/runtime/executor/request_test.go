package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestMapModel(t *testing.T) {
	require.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", MapModel("claude-sonnet-4-5"))
	require.Equal(t, "CLAUDE_SONNET_4_20250514_V1_0", MapModel("claude-sonnet-4"))
	require.Equal(t, "claude-opus-4.5", MapModel("claude-opus-4-5"))
	require.Equal(t, "claude-sonnet-4.5", MapModel("auto"))
	require.Equal(t, "some-future-model", MapModel("some-future-model"), "unknown ids pass through")
}

func TestBuildPayloadBasics(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "user", "content": "first question"},
			{"role": "assistant", "content": "answer"},
			{"role": "user", "content": "second question"}
		]
	}`)
	cred := &testCredential{profileArn: "arn:p", includeArn: true}

	payload, model, err := BuildPayload(body, cred)
	require.NoError(t, err)
	require.Equal(t, "claude-sonnet-4-5", model)

	doc := gjson.ParseBytes(payload)
	require.Equal(t, "MANUAL", doc.Get("conversationState.chatTriggerType").String())
	require.NotEmpty(t, doc.Get("conversationState.conversationId").String())
	msg := doc.Get("conversationState.currentMessage.userInputMessage")
	require.Equal(t, "second question", msg.Get("content").String(), "latest user turn becomes the current message")
	require.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", msg.Get("modelId").String())
	require.Equal(t, "AI_EDITOR", msg.Get("origin").String())
	require.Equal(t, "arn:p", doc.Get("profileArn").String())
}

func TestBuildPayloadFoldsSystemPrompt(t *testing.T) {
	body := []byte(`{
		"model": "auto",
		"messages": [
			{"role": "system", "content": "be terse"},
			{"role": "developer", "content": "use metric units"},
			{"role": "user", "content": "how far is the moon?"}
		]
	}`)
	payload, _, err := BuildPayload(body, &testCredential{})
	require.NoError(t, err)

	content := gjson.GetBytes(payload, "conversationState.currentMessage.userInputMessage.content").String()
	require.Equal(t, "be terse\n\nuse metric units\n\nhow far is the moon?", content)
}

func TestBuildPayloadOmitsProfileArn(t *testing.T) {
	body := []byte(`{"model":"auto","messages":[{"role":"user","content":"hi"}]}`)

	payload, _, err := BuildPayload(body, &testCredential{profileArn: "arn:p", includeArn: false})
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(payload, "profileArn").Exists(), "IdC credentials omit the profile ARN")

	payload, _, err = BuildPayload(body, &testCredential{profileArn: "", includeArn: true})
	require.NoError(t, err)
	require.False(t, gjson.GetBytes(payload, "profileArn").Exists(), "empty ARN is never attached")
}

func TestBuildPayloadContentParts(t *testing.T) {
	body := []byte(`{
		"model": "auto",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "part one"},
				{"type": "image_url", "image_url": {"url": "ignored"}},
				{"type": "text", "text": " part two"}
			]}
		]
	}`)
	payload, _, err := BuildPayload(body, &testCredential{})
	require.NoError(t, err)
	content := gjson.GetBytes(payload, "conversationState.currentMessage.userInputMessage.content").String()
	require.Equal(t, "part one part two", content)
}

func TestPromptText(t *testing.T) {
	body := []byte(`{"messages":[
		{"role":"system","content":"sys"},
		{"role":"user","content":"hello"},
		{"role":"assistant","content":"hi there"}
	]}`)
	require.Equal(t, "sys\nhello\nhi there", PromptText(body))
}

func TestCountTokens(t *testing.T) {
	require.Equal(t, 0, CountTokens(""))
	n := CountTokens("Hello, world")
	require.Greater(t, n, 0)
	require.Less(t, n, 12)
}
