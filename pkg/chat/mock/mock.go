// Package mock provides a scripted test double for the chat.Fetcher interface.
//
// Use Fetcher in unit tests to verify the requests a chat.Chat sends and to
// feed it controlled event streams without a live completion endpoint. Fields
// are safe to set before the first Fetch; mutating them during a concurrent
// call is the caller's responsibility.
//
// Example:
//
//	f := &mock.Fetcher{Responses: []mock.Response{
//	    {Chunks: []any{mock.Text("Hel"), mock.Text("lo")}},
//	}}
//	c := chat.New(chat.Transport{API: chat.Static("http://test"), Fetch: f})
package mock

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/MrWong99/chatstream/pkg/chat"
	"github.com/MrWong99/chatstream/pkg/sse"
)

// Response scripts the reply to one Fetch.
type Response struct {
	// Err, if non-nil, is returned from Fetch instead of a response.
	Err error

	// StatusCode defaults to 200.
	StatusCode int

	// Chunks are streamed as "data:" events followed by "[DONE]" when the
	// status is 2xx.
	Chunks []any

	// Body is the raw response body. It is used verbatim for non-2xx
	// responses, and for 2xx responses when Chunks is nil.
	Body string

	// NoBody returns a 2xx response without a body.
	NoBody bool

	// Hold keeps the stream open after the last chunk until the request
	// context is cancelled, instead of sending "[DONE]".
	Hold bool
}

// Call records a single invocation of Fetch.
type Call struct {
	// Ctx is the context passed to Fetch.
	Ctx context.Context

	// Req is a copy of the request passed to Fetch.
	Req chat.FetchRequest

	// Payload is Req.Body decoded as a JSON object, or nil if it is not one.
	Payload map[string]any
}

// Fetcher is a mock implementation of chat.Fetcher. Responses are consumed in
// order; once exhausted, the last one is repeated. With no responses at all,
// Fetch returns an empty 200 stream.
type Fetcher struct {
	mu sync.Mutex

	// Responses is the script of replies.
	Responses []Response

	// Calls records every invocation of Fetch in order.
	Calls []Call
}

var _ chat.Fetcher = (*Fetcher)(nil)

// Fetch records the call and returns the next scripted response.
func (f *Fetcher) Fetch(ctx context.Context, req *chat.FetchRequest) (*http.Response, error) {
	f.mu.Lock()
	call := Call{Ctx: ctx, Req: *req}
	call.Req.Header = req.Header.Clone()
	call.Req.Body = append([]byte(nil), req.Body...)
	_ = json.Unmarshal(req.Body, &call.Payload)

	var resp Response
	if n := len(f.Calls); len(f.Responses) > 0 {
		resp = f.Responses[min(n, len(f.Responses)-1)]
	}
	f.Calls = append(f.Calls, call)
	f.mu.Unlock()

	return resp.build(ctx)
}

// CallCount returns the number of Fetch invocations so far.
func (f *Fetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// Call returns the i-th recorded invocation.
func (f *Fetcher) Call(i int) Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[i]
}

// Reset clears all recorded calls.
func (f *Fetcher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = nil
}

func (r Response) build(ctx context.Context) (*http.Response, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	code := r.StatusCode
	if code == 0 {
		code = http.StatusOK
	}
	if code < 200 || code > 299 {
		return &http.Response{
			Status:     http.StatusText(code),
			StatusCode: code,
			Header:     make(http.Header),
			Body:       io.NopCloser(strings.NewReader(r.Body)),
		}, nil
	}
	if r.NoBody {
		return &http.Response{StatusCode: code, Header: make(http.Header), Body: http.NoBody}, nil
	}
	if r.Chunks == nil && !r.Hold {
		return &http.Response{
			StatusCode: code,
			Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
			Body:       io.NopCloser(strings.NewReader(r.Body)),
		}, nil
	}
	resp := sse.NewResponse(ctx, r.source(ctx))
	resp.StatusCode = code
	return resp, nil
}

func (r Response) source(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, c := range r.Chunks {
			if !yield(c, nil) {
				return
			}
		}
		if r.Hold {
			<-ctx.Done()
			yield(nil, ctx.Err())
		}
	}
}

// Text returns a chunk carrying a text delta.
func Text(s string) any {
	return delta(map[string]any{"content": s})
}

// ToolCall returns a chunk carrying one tool-call fragment. Empty id, name,
// or arguments are omitted from the fragment.
func ToolCall(index int, id, name, arguments string) any {
	fn := map[string]any{}
	if name != "" {
		fn["name"] = name
	}
	if arguments != "" {
		fn["arguments"] = arguments
	}
	frag := map[string]any{"index": index, "function": fn}
	if id != "" {
		frag["id"] = id
		frag["type"] = "function"
	}
	return delta(map[string]any{"tool_calls": []any{frag}})
}

func delta(d map[string]any) any {
	return map[string]any{
		"choices": []any{map[string]any{"index": 0, "delta": d}},
	}
}
