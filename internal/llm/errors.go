package llm

import (
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Sentinel errors for completion calls. Check with errors.Is.
var (
	// ErrAuth indicates the API key was rejected.
	ErrAuth = errors.New("authentication failed")

	// ErrRateLimited indicates the upstream throttled the request.
	ErrRateLimited = errors.New("rate limited by upstream")

	// ErrUpstream indicates a server-side failure at the model provider.
	ErrUpstream = errors.New("upstream model failure")

	// ErrInvalidResponse indicates the provider answered but the response
	// carried no usable completion.
	ErrInvalidResponse = errors.New("invalid model response")
)

// StreamError reports a stream that failed after delivering some text.
// Partial holds everything received before the failure so callers can decide
// whether to keep it.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream failed after %d bytes: %v", len(e.Partial), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// translate maps provider SDK errors onto the package sentinels so callers
// never depend on go-openai types.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return translateStatus(apiErr.HTTPStatusCode, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return translateStatus(reqErr.HTTPStatusCode, err)
	}

	return err
}

func translateStatus(status int, err error) error {
	switch {
	case status == 401 || status == 403:
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case status == 429:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case status >= 500:
		return fmt.Errorf("%w: %w", ErrUpstream, err)
	default:
		return err
	}
}
