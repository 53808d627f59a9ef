package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// chunkPayload is the minimal OpenAI-compatible streaming chunk shape.
type chunkPayload struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func writeChunk(w http.ResponseWriter, text string) {
	var p chunkPayload
	p.ID = "chatcmpl-test"
	p.Object = "chat.completion.chunk"
	p.Choices = []chunkChoice{{}}
	p.Choices[0].Delta.Content = text

	data, _ := json.Marshal(p)
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// StreamingUpstream starts an OpenAI-compatible server that streams the
// given fragments and terminates the stream cleanly. The server is shut
// down via t.Cleanup.
func StreamingUpstream(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range fragments {
			writeChunk(w, frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// BrokenStreamUpstream starts a server that streams goodFragments and then
// emits a malformed chunk, which surfaces as a decode error on the client
// mid-stream.
func BrokenStreamUpstream(t *testing.T, goodFragments []string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range goodFragments {
			writeChunk(w, frag)
		}
		fmt.Fprint(w, "data: {not json\n\n")
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// StatusUpstream starts a server that answers each request with the next
// status code from the sequence; once the sequence is exhausted it streams
// the fragments successfully. Calls reports how many requests were served.
type StatusUpstream struct {
	Server *httptest.Server
	calls  atomic.Int64
}

// Calls returns the number of requests served so far.
func (u *StatusUpstream) Calls() int64 {
	return u.calls.Load()
}

// NewStatusUpstream builds a StatusUpstream.
func NewStatusUpstream(t *testing.T, statuses []int, fragments []string) *StatusUpstream {
	t.Helper()

	u := &StatusUpstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := u.calls.Add(1)
		if int(n) <= len(statuses) {
			status := statuses[int(n)-1]
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":{"message":"scripted failure","type":"test","code":%d}}`, status)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range fragments {
			writeChunk(w, frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(u.Server.Close)
	return u
}

// CompletionUpstream starts an OpenAI-compatible server that answers
// non-streaming completion requests with the given content.
func CompletionUpstream(t *testing.T, content string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":     "chatcmpl-test",
			"object": "chat.completion",
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": content,
					},
					"finish_reason": "stop",
				},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encoding completion response: %v", err)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}
