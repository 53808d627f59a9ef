package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Stream sends the conversation and yields the reply as text fragments,
// using Go 1.23 range-over-func:
//
//	for fragment, err := range client.Stream(ctx, messages) {
//	    if err != nil { ... }
//	    fmt.Print(fragment)
//	}
//
// Opening the stream is retried like Complete; once the first fragment has
// been delivered there are no retries, because replaying a partially
// consumed stream would duplicate output. A mid-stream failure yields a
// single *StreamError carrying the text received so far, then the sequence
// ends.
//
// The sequence is single-use and expects a single consumer: ranging over it
// a second time yields one error fragment rather than ending silently. The
// consumed flag is not synchronized; concurrent consumers are not supported.
func (c *Client) Stream(ctx context.Context, messages []Message) iter.Seq2[string, error] {
	consumed := false

	return func(yield func(string, error) bool) {
		if consumed {
			yield("", errors.New("stream already consumed"))
			return
		}
		consumed = true

		stream, err := retryCall(ctx, c, func(ctx context.Context) (*openai.ChatCompletionStream, error) {
			return c.api.CreateChatCompletionStream(ctx, c.buildRequest(messages, true))
		})
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if err := stream.Close(); err != nil {
				c.logger.Debug("closing completion stream", "error", err)
			}
		}()

		var partial strings.Builder
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", &StreamError{
					Partial: partial.String(),
					Err:     translate(err),
				})
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}
			text := resp.Choices[0].Delta.Content
			if text == "" {
				continue
			}

			partial.WriteString(text)
			if !yield(text, nil) {
				return
			}
		}
	}
}

// Collect drains a stream into a single string. Mainly for tests and
// non-interactive callers.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var b strings.Builder
	for fragment, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(fragment)
	}
	return b.String(), nil
}

// RoleFor converts a store role into the provider's role constant. Unknown
// roles map to user, which is the safer default for prompt context.
func RoleFor(storeRole string) string {
	switch storeRole {
	case "assistant":
		return openai.ChatMessageRoleAssistant
	case "user":
		return openai.ChatMessageRoleUser
	default:
		return openai.ChatMessageRoleUser
	}
}
