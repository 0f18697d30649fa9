package sse

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func chunks(vs ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, v := range vs {
			if !yield(v, nil) {
				return
			}
		}
	}
}

func TestWrite_FramesChunksAndDone(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	err := Write(rec, chunks(map[string]int{"a": 1}, "x"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	want := "data: {\"a\":1}\n\ndata: \"x\"\n\ndata: [DONE]\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Cache-Control = %q", got)
	}
	if !rec.Flushed {
		t.Error("events were not flushed")
	}
}

func TestWrite_SourceErrorOmitsDone(t *testing.T) {
	t.Parallel()

	srcErr := errors.New("upstream failed")
	src := func(yield func(any, error) bool) {
		if !yield(1, nil) {
			return
		}
		yield(nil, srcErr)
	}

	rec := httptest.NewRecorder()
	err := Write(rec, src)
	if !errors.Is(err, srcErr) {
		t.Fatalf("Write error = %v, want %v", err, srcErr)
	}
	if strings.Contains(rec.Body.String(), "[DONE]") {
		t.Errorf("body %q should not contain [DONE]", rec.Body.String())
	}
}

func TestWrite_UnencodableChunk(t *testing.T) {
	t.Parallel()

	err := Write(httptest.NewRecorder(), chunks(make(chan int)))
	if err == nil {
		t.Fatal("Write: expected encode error")
	}
}

func TestWriteThenDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(Handler(func(*http.Request) (iter.Seq2[any, error], error) {
		return chunks(map[string]string{"t": "Hel"}, map[string]string{"t": "lo"}), nil
	}))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	got := decodeAll(t, NewDecoder(resp.Body))
	if diff := cmp.Diff([]string{`{"t":"Hel"}`, `{"t":"lo"}`}, got); diff != "" {
		t.Errorf("payloads mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_SourceError(t *testing.T) {
	t.Parallel()

	h := Handler(func(*http.Request) (iter.Seq2[any, error], error) {
		return nil, errors.New("no source")
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestNewResponse_StreamsSource(t *testing.T) {
	t.Parallel()

	resp := NewResponse(context.Background(), chunks(1, 2))
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got, want := string(body), "data: 1\n\ndata: 2\n\ndata: [DONE]\n\n"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestNewResponse_CloseStopsProducer(t *testing.T) {
	t.Parallel()

	stopped := make(chan struct{})
	src := func(yield func(any, error) bool) {
		defer close(stopped)
		for i := 0; ; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}

	resp := NewResponse(context.Background(), src)
	d := NewDecoder(resp.Body)
	if !d.Next() {
		t.Fatal("Next() = false, want first payload")
	}
	_ = d.Close()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("producer kept running after body was closed")
	}
}

func TestNewResponse_ContextCancelFailsRead(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	src := func(yield func(any, error) bool) {
		if !yield("first", nil) {
			return
		}
		<-block
	}

	resp := NewResponse(ctx, src)
	d := NewDecoder(resp.Body)
	if !d.Next() {
		t.Fatal("Next() = false, want first payload")
	}
	cancel()
	if d.Next() {
		t.Fatal("Next() = true after cancel")
	}
	if !errors.Is(d.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", d.Err())
	}
}

func TestSource(t *testing.T) {
	t.Parallel()

	ch := make(chan any, 2)
	ch <- "a"
	ch <- "b"
	close(ch)

	var seq iter.Seq[any] = func(yield func(any) bool) {
		_ = yield("a") && yield("b")
	}

	inputs := map[string]any{
		"seq":     seq,
		"seq2":    chunks("a", "b"),
		"func":    func(yield func(any) bool) { _ = yield("a") && yield("b") },
		"channel": (<-chan any)(ch),
		"slice":   []any{"a", "b"},
	}
	for name, in := range inputs {
		t.Run(name, func(t *testing.T) {
			src, err := Source(in)
			if err != nil {
				t.Fatalf("Source: %v", err)
			}
			var got []any
			for v, err := range src {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				got = append(got, v)
			}
			if diff := cmp.Diff([]any{"a", "b"}, got); diff != "" {
				t.Errorf("chunks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSource_NotIterable(t *testing.T) {
	t.Parallel()

	for _, in := range []any{nil, 42, map[string]any{"a": 1}, "text"} {
		_, err := Source(in)
		if !errors.Is(err, ErrNotIterable) {
			t.Errorf("Source(%T) error = %v, want ErrNotIterable", in, err)
		}
	}

	_, err := Source(struct{ X int }{})
	if err == nil || !strings.Contains(err.Error(), "struct") {
		t.Errorf("error %v should name the offending type", err)
	}
}
