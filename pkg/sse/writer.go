package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
)

// ErrNotIterable is returned by [Source] for values that cannot be streamed.
var ErrNotIterable = errors.New("sse: source is not iterable")

// Encoder writes events in the "data: <JSON>\n\n" framing.
type Encoder struct {
	w     io.Writer
	flush func()
}

// NewEncoder returns an [Encoder] writing to w. If w implements
// [http.Flusher], every event is flushed as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

// Encode serialises v as JSON and writes it as a single event.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sse: encode chunk: %w", err)
	}
	return e.write(data)
}

// Done writes the "[DONE]" sentinel.
func (e *Encoder) Done() error {
	return e.write([]byte(doneSentinel))
}

func (e *Encoder) write(data []byte) error {
	buf := make([]byte, 0, len(dataPrefix)+len(data)+2)
	buf = append(buf, dataPrefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("sse: write event: %w", err)
	}
	if e.flush != nil {
		e.flush()
	}
	return nil
}

// setHeaders applies the event-stream response headers.
func setHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

// Write streams every chunk of src to w as an event and finishes with
// "[DONE]". It stops at the first source or write error; the sentinel is only
// written when the source completed normally.
func Write(w http.ResponseWriter, src iter.Seq2[any, error]) error {
	setHeaders(w.Header())
	w.WriteHeader(http.StatusOK)

	enc := NewEncoder(w)
	for chunk, err := range src {
		if err != nil {
			return fmt.Errorf("sse: source: %w", err)
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
	}
	return enc.Done()
}

// Handler returns an [http.Handler] that streams the source produced by fn
// for every request. If fn fails, the handler responds 500 with the error text.
func Handler(fn func(r *http.Request) (iter.Seq2[any, error], error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		src, err := fn(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = Write(w, src)
	})
}

// NewResponse returns a 200 [http.Response] whose body is the event stream of
// src. The source is consumed in a separate goroutine as the body is read.
// Closing the body stops the producer; cancelling ctx makes pending body reads
// fail with ctx.Err(), matching how net/http behaves for a cancelled request.
func NewResponse(ctx context.Context, src iter.Seq2[any, error]) *http.Response {
	pr, pw := io.Pipe()
	header := make(http.Header)
	setHeaders(header)

	go func() {
		stop := context.AfterFunc(ctx, func() {
			_ = pw.CloseWithError(ctx.Err())
		})
		defer stop()

		err := produce(ctx, NewEncoder(pw), src)
		_ = pw.CloseWithError(err)
	}()

	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          pr,
		ContentLength: -1,
	}
}

func produce(ctx context.Context, enc *Encoder, src iter.Seq2[any, error]) error {
	for chunk, err := range src {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
	}
	return enc.Done()
}

// Source converts a dynamically typed value into a chunk source. Accepted
// inputs are iter.Seq[any], iter.Seq2[any, error], their unnamed func
// equivalents, receive channels of any, and []any. Everything else fails with
// an error wrapping [ErrNotIterable].
func Source(v any) (iter.Seq2[any, error], error) {
	switch s := v.(type) {
	case iter.Seq2[any, error]:
		return s, nil
	case func(func(any, error) bool):
		return s, nil
	case iter.Seq[any]:
		return fromSeq(s), nil
	case func(func(any) bool):
		return fromSeq(s), nil
	case <-chan any:
		return fromChan(s), nil
	case chan any:
		return fromChan(s), nil
	case []any:
		return func(yield func(any, error) bool) {
			for _, c := range s {
				if !yield(c, nil) {
					return
				}
			}
		}, nil
	default:
		return nil, fmt.Errorf("%w: got %T, want an iterator, a channel or a slice of chunks", ErrNotIterable, v)
	}
}

func fromSeq(s iter.Seq[any]) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for c := range s {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func fromChan(ch <-chan any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for c := range ch {
			if !yield(c, nil) {
				return
			}
		}
	}
}
