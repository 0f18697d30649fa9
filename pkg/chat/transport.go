package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"

	"github.com/MrWong99/chatstream/pkg/types"
)

// Value is a transport property that is either a fixed value or a function
// evaluated afresh at the start of every round. The zero Value resolves to the
// zero T.
type Value[T any] struct {
	static T
	fn     func(context.Context) (T, error)
}

// Static returns a Value that always resolves to v.
func Static[T any](v T) Value[T] {
	return Value[T]{static: v}
}

// Computed returns a Value that calls fn on every resolution. Results are
// never cached across rounds.
func Computed[T any](fn func(ctx context.Context) (T, error)) Value[T] {
	return Value[T]{fn: fn}
}

// Resolve returns the value for the current round.
func (v Value[T]) Resolve(ctx context.Context) (T, error) {
	if v.fn != nil {
		return v.fn(ctx)
	}
	return v.static, nil
}

// IsComputed reports whether v was built with [Computed].
func (v Value[T]) IsComputed() bool { return v.fn != nil }

// Credentials controls whether ambient credentials accompany a request.
type Credentials string

// Credentials modes.
const (
	CredentialsOmit       Credentials = "omit"
	CredentialsSameOrigin Credentials = "same-origin"
	CredentialsInclude    Credentials = "include"
)

// ParseCredentials converts s to a [Credentials] mode. The empty string maps
// to [CredentialsSameOrigin].
func ParseCredentials(s string) (Credentials, error) {
	switch c := Credentials(s); c {
	case "":
		return CredentialsSameOrigin, nil
	case CredentialsOmit, CredentialsSameOrigin, CredentialsInclude:
		return c, nil
	default:
		return "", fmt.Errorf("chat: unknown credentials mode %q", s)
	}
}

// FetchRequest is everything a [Fetcher] needs to issue one request.
type FetchRequest struct {
	URL         string
	Method      string
	Header      http.Header
	Body        []byte
	Credentials Credentials
}

// Fetcher issues a request and returns the response whose body will be
// streamed. The response must be abandoned, and any blocking read of its body
// must fail, once ctx is cancelled.
type Fetcher interface {
	Fetch(ctx context.Context, req *FetchRequest) (*http.Response, error)
}

// FetcherFunc adapts a function to the [Fetcher] interface.
type FetcherFunc func(ctx context.Context, req *FetchRequest) (*http.Response, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, req *FetchRequest) (*http.Response, error) {
	return f(ctx, req)
}

// HTTPFetcher is the default [Fetcher], backed by an [http.Client].
type HTTPFetcher struct {
	// Client performs the requests. Nil means [http.DefaultClient].
	Client *http.Client
}

var _ Fetcher = HTTPFetcher{}

// Fetch implements [Fetcher]. With [CredentialsOmit] the Cookie and
// Authorization headers are removed before sending.
func (f HTTPFetcher) Fetch(ctx context.Context, req *FetchRequest) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}
	if req.Credentials == CredentialsOmit {
		httpReq.Header.Del("Cookie")
		httpReq.Header.Del("Authorization")
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	return client.Do(httpReq)
}

// PrepareRequest is passed to [Transport.PrepareRequestBody].
type PrepareRequest struct {
	ID       string
	Messages []types.Message
	Body     map[string]any
}

// Transport describes how to reach the completion endpoint. Properties built
// with [Computed] are re-evaluated for every round.
type Transport struct {
	// API is the endpoint URL.
	API Value[string]

	// Headers are sent with every request, after Content-Type.
	Headers Value[map[string]string]

	// Credentials is passed through to the Fetcher.
	Credentials Value[Credentials]

	// Body holds extra top-level fields merged into the request payload.
	Body Value[map[string]any]

	// Fetch issues the request. Nil means [HTTPFetcher] with the default client.
	Fetch Fetcher

	// PrepareRequestBody, when set, builds the request payload from the
	// session id, the log, and the merged body additions. Its result is
	// JSON-encoded as is.
	PrepareRequestBody func(PrepareRequest) (any, error)
}

// resolvedTransport is a [Transport] with every property evaluated.
type resolvedTransport struct {
	api         string
	headers     map[string]string
	credentials Credentials
	body        map[string]any
	fetch       Fetcher
}

// resolve evaluates every property of t for one round.
func (t Transport) resolve(ctx context.Context) (resolvedTransport, error) {
	var (
		rt  resolvedTransport
		err error
		e   error
	)
	if rt.api, e = t.API.Resolve(ctx); e != nil {
		err = errors.Join(err, fmt.Errorf("api: %w", e))
	}
	if rt.headers, e = t.Headers.Resolve(ctx); e != nil {
		err = errors.Join(err, fmt.Errorf("headers: %w", e))
	}
	if rt.credentials, e = t.Credentials.Resolve(ctx); e != nil {
		err = errors.Join(err, fmt.Errorf("credentials: %w", e))
	}
	if rt.body, e = t.Body.Resolve(ctx); e != nil {
		err = errors.Join(err, fmt.Errorf("body: %w", e))
	}
	if err != nil {
		return resolvedTransport{}, fmt.Errorf("chat: resolve transport: %w", err)
	}
	if rt.api == "" {
		return resolvedTransport{}, errors.New("chat: resolve transport: api is empty")
	}
	if rt.credentials == "" {
		rt.credentials = CredentialsSameOrigin
	}
	rt.fetch = t.Fetch
	if rt.fetch == nil {
		rt.fetch = HTTPFetcher{}
	}
	return rt, nil
}

// buildPayload assembles the request payload for one round. Per-call
// additions override transport additions on key collision.
func (t Transport) buildPayload(id string, msgs []types.Message, rt resolvedTransport, sc sendConfig) (any, error) {
	body := mergeMaps(rt.body, sc.body)
	if t.PrepareRequestBody != nil {
		payload, err := t.PrepareRequestBody(PrepareRequest{ID: id, Messages: msgs, Body: body})
		if err != nil {
			return nil, fmt.Errorf("chat: prepare request body: %w", err)
		}
		return payload, nil
	}
	payload := map[string]any{"id": id, "messages": msgs}
	maps.Copy(payload, body)
	return payload, nil
}

// requestHeader builds the header set for one round.
func requestHeader(rt resolvedTransport, sc sendConfig) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	for k, v := range mergeMaps(rt.headers, sc.headers) {
		h.Set(k, v)
	}
	return h
}

// mergeMaps returns a new map holding base overlaid with override.
func mergeMaps[V any](base, override map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
