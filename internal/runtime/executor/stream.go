package executor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/KiroGateway/internal/api/middleware"
	"github.com/router-for-me/KiroGateway/internal/auth/kiro"
)

// StreamOptions bound the streaming lifecycle.
type StreamOptions struct {
	// FirstTokenTimeout races the arrival of the first response byte.
	FirstTokenTimeout time.Duration
	// FirstTokenMaxRetries is the total attempt budget, including the
	// first one.
	FirstTokenMaxRetries int
	// ReadTimeout applies to every read after the first byte arrived.
	ReadTimeout time.Duration
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.FirstTokenTimeout <= 0 {
		o.FirstTokenTimeout = 15 * time.Second
	}
	if o.FirstTokenMaxRetries <= 0 {
		o.FirstTokenMaxRetries = 3
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 300 * time.Second
	}
	return o
}

// StreamResult is the aggregate outcome of a completed stream.
type StreamResult struct {
	Content         string
	ToolCalls       []ToolCall
	Usage           float64
	ContextUsagePct float64
}

// FinishReason derives the downstream finish_reason.
func (r *StreamResult) FinishReason() string {
	if len(r.ToolCalls) > 0 {
		return "tool_calls"
	}
	return "stop"
}

// openedStream is a live upstream response whose first chunk has already
// arrived.
type openedStream struct {
	body   io.ReadCloser
	first  []byte
	chunks chan readResult
	cancel context.CancelFunc
}

type readResult struct {
	data []byte
	err  error
}

func (s *openedStream) close() {
	s.cancel()
	if err := s.body.Close(); err != nil {
		log.Debugf("close upstream stream body: %v", err)
	}
}

// readPump moves raw chunks from the body onto a channel so reads can be
// raced against timers. The channel closes when the body ends.
func readPump(body io.Reader, out chan<- readResult) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- readResult{data: chunk}
		}
		if err != nil {
			if err != io.EOF {
				out <- readResult{err: err}
			}
			return
		}
	}
}

// openStream starts the upstream request and waits for the first byte,
// retrying whole attempts while the watchdog fires and budget remains.
// Exactly one upstream connection is live at any time: a timed-out attempt
// is cancelled before the next begins.
func (c *Client) openStream(ctx context.Context, cred kiro.Credential, payload []byte, opts StreamOptions) (*openedStream, error) {
	for attempt := 1; attempt <= opts.FirstTokenMaxRetries; attempt++ {
		attemptCtx, cancel := context.WithCancel(ctx)
		resp, err := c.Do(attemptCtx, cred, payload)
		if err != nil {
			cancel()
			return nil, err
		}

		chunks := make(chan readResult, 16)
		go readPump(resp.Body, chunks)

		watchdog := time.NewTimer(opts.FirstTokenTimeout)
		select {
		case first, ok := <-chunks:
			watchdog.Stop()
			if !ok || first.err != nil {
				cancel()
				resp.Body.Close()
				if first.err != nil {
					return nil, fmt.Errorf("upstream stream failed before first token: %w", first.err)
				}
				return nil, NewStatusError(http.StatusBadGateway, "upstream closed the stream before producing output")
			}
			return &openedStream{body: resp.Body, first: first.data, chunks: chunks, cancel: cancel}, nil
		case <-watchdog.C:
			log.Warnf("no first token within %s, attempt %d/%d", opts.FirstTokenTimeout, attempt, opts.FirstTokenMaxRetries)
			middleware.RecordFirstTokenRetry()
			cancel()
			resp.Body.Close()
		case <-ctx.Done():
			watchdog.Stop()
			cancel()
			resp.Body.Close()
			return nil, ctx.Err()
		}
	}
	middleware.RecordUpstreamError("first_token_timeout")
	return nil, ErrFirstTokenTimeout
}

// Stream runs a full upstream exchange, invoking emit for each parsed
// event as it arrives, and returns the aggregate result. emit may be nil
// for collect-only callers. Client disconnects surface as ctx errors.
func (c *Client) Stream(ctx context.Context, cred kiro.Credential, payload []byte, opts StreamOptions, emit func(Event) error) (*StreamResult, error) {
	opts = opts.withDefaults()

	stream, err := c.openStream(ctx, cred, payload, opts)
	if err != nil {
		return nil, err
	}
	defer stream.close()

	parser := NewEventStreamParser()
	result := &StreamResult{}

	handle := func(events []Event) error {
		for _, ev := range events {
			switch ev.Kind {
			case EventContent:
				result.Content += ev.Content
			case EventUsage:
				result.Usage += ev.Value
			case EventContextUsage:
				result.ContextUsagePct = ev.Value
			}
			if emit != nil {
				if err := emit(ev); err != nil {
					return err
				}
			}
		}
		return nil
	}

	if err := handle(parser.Feed(stream.first)); err != nil {
		return nil, err
	}

	readTimer := time.NewTimer(opts.ReadTimeout)
	defer readTimer.Stop()
	for {
		select {
		case chunk, ok := <-stream.chunks:
			if !ok {
				result.ToolCalls = c.finishToolCalls(parser, result)
				return result, nil
			}
			if chunk.err != nil {
				return nil, fmt.Errorf("upstream read failed: %w", chunk.err)
			}
			if err := handle(parser.Feed(chunk.data)); err != nil {
				return nil, err
			}
			if !readTimer.Stop() {
				<-readTimer.C
			}
			readTimer.Reset(opts.ReadTimeout)
		case <-readTimer.C:
			return nil, NewStatusError(http.StatusGatewayTimeout, fmt.Sprintf("upstream went silent for %s mid-stream", opts.ReadTimeout))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// finishToolCalls merges structured tool calls with the textual bracket
// fallback, deduplicated by name and arguments.
func (c *Client) finishToolCalls(parser *EventStreamParser, result *StreamResult) []ToolCall {
	calls := parser.ToolCalls()
	if fallback := ParseBracketToolCalls(result.Content); len(fallback) > 0 {
		calls = DeduplicateToolCalls(append(calls, fallback...))
	}
	return calls
}
