package main

import (
	"context"
	"maps"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/MrWong99/chatstream/internal/config"
	"github.com/MrWong99/chatstream/pkg/chat"
)

// configSource yields the current configuration. *config.Watcher implements it.
type configSource interface {
	Current() *config.Config
}

// bodySource contributes request body fields, e.g. the tool catalogue.
type bodySource func(ctx context.Context) (map[string]any, error)

// newTransport builds a transport whose properties are read from src on every
// round, so config edits and environment changes apply to the next request.
func newTransport(src configSource, fetch chat.Fetcher, extra ...bodySource) chat.Transport {
	return chat.Transport{
		API: chat.Computed(func(context.Context) (string, error) {
			return src.Current().Transport.API, nil
		}),
		Headers: chat.Computed(func(context.Context) (map[string]string, error) {
			return requestHeaders(src.Current().Transport, os.LookupEnv), nil
		}),
		Credentials: chat.Computed(func(context.Context) (chat.Credentials, error) {
			return chat.ParseCredentials(src.Current().Transport.Credentials)
		}),
		Body: chat.Computed(func(ctx context.Context) (map[string]any, error) {
			body := maps.Clone(src.Current().Transport.Body)
			for _, fn := range extra {
				add, err := fn(ctx)
				if err != nil {
					return nil, err
				}
				if len(add) == 0 {
					continue
				}
				if body == nil {
					body = make(map[string]any, len(add))
				}
				maps.Copy(body, add)
			}
			return body, nil
		}),
		Fetch: fetch,
	}
}

// requestHeaders merges the static headers with those sourced from the
// environment. Unset variables are skipped.
func requestHeaders(tc config.TransportConfig, lookup func(string) (string, bool)) map[string]string {
	h := maps.Clone(tc.Headers)
	for name, env := range tc.HeaderEnv {
		v, ok := lookup(env)
		if !ok {
			continue
		}
		if h == nil {
			h = make(map[string]string, len(tc.HeaderEnv))
		}
		h[name] = v
	}
	return h
}

// newHTTPClient returns a client whose dial, TLS handshake and response
// header waits are bounded by timeout. It never limits the streamed body.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		return nil
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	tr.TLSHandshakeTimeout = timeout
	tr.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: tr}
}
