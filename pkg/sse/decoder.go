// Package sse implements the Server-Sent-Events framing used by streaming
// chat-completion endpoints.
//
// [Decoder] turns a raw response body into a lazy, finite sequence of JSON
// payloads. [Write] and [NewResponse] do the reverse: they serialise a source of
// chunks as an event stream, either onto an [http.ResponseWriter] or into a
// synthetic [http.Response] that can be handed to a client directly.
//
// Only "data:" lines are interpreted. A payload of "[DONE]" ends the stream and
// payloads that are not valid JSON are dropped rather than treated as errors.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
)

const (
	// dataPrefix marks a line that carries a payload. Any other line is a
	// comment, keep-alive, or field this decoder does not use.
	dataPrefix = "data: "

	// doneSentinel terminates the stream.
	doneSentinel = "[DONE]"

	// defaultReadSize is the size of each read from the underlying reader.
	defaultReadSize = 4096
)

// DecoderOption configures a [Decoder].
type DecoderOption func(*Decoder)

// WithReadSize sets how many bytes the decoder requests per read. Values <= 0
// are ignored.
func WithReadSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// WithSkipHook registers fn to be called with every data payload that was
// dropped because it is not valid JSON.
func WithSkipHook(fn func(payload []byte)) DecoderOption {
	return func(d *Decoder) {
		d.onSkip = fn
	}
}

// Decoder reads an event stream and yields one JSON payload per "data:" line.
//
// Decoder is a pull iterator and is not safe for concurrent use:
//
//	dec := sse.NewDecoder(resp.Body)
//	defer dec.Close()
//	for dec.Next() {
//	    handle(dec.Current())
//	}
//	if err := dec.Err(); err != nil { ... }
//
// The underlying reader is closed as soon as the sequence ends, whatever the
// reason, so the deferred Close is only needed when the caller stops early.
type Decoder struct {
	rc       io.ReadCloser
	readSize int
	onSkip   func(payload []byte)

	// buf holds bytes read but not yet split into complete lines. It is a
	// window into back, which is reused across reads.
	buf   []byte
	back  []byte
	chunk []byte
	cur json.RawMessage
	err error

	eof       bool
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewDecoder returns a [Decoder] reading from rc. The decoder takes ownership
// of rc and closes it when the sequence ends.
func NewDecoder(rc io.ReadCloser, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		rc:       rc,
		readSize: defaultReadSize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Next advances to the next payload. It returns false when the stream ended
// with "[DONE]", when the reader is exhausted, or when a read failed; use
// [Decoder.Err] to tell these apart.
func (d *Decoder) Next() bool {
	if d.done {
		return false
	}
	d.cur = nil

	if d.chunk == nil {
		d.chunk = make([]byte, d.readSize)
	}
	for {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := d.buf[:i]
			d.buf = d.buf[i+1:]
			payload, ok, stop := d.parseLine(line)
			if stop {
				d.finish(nil)
				return false
			}
			if ok {
				d.cur = payload
				return true
			}
			continue
		}

		if d.eof {
			// The last line may not be newline-terminated.
			line := d.buf
			d.buf = nil
			payload, ok, _ := d.parseLine(line)
			d.finish(nil)
			if ok {
				d.cur = payload
				return true
			}
			return false
		}

		n, err := d.rc.Read(d.chunk)
		if n > 0 {
			d.buf = append(append(d.back[:0], d.buf...), d.chunk[:n]...)
			d.back = d.buf
		}
		switch {
		case errors.Is(err, io.EOF):
			d.eof = true
		case err != nil:
			d.finish(err)
			return false
		}
	}
}

// Current returns the payload produced by the most recent successful call to
// [Decoder.Next]. The returned slice is owned by the caller.
func (d *Decoder) Current() json.RawMessage {
	return d.cur
}

// Err returns the read error that ended the sequence, or nil if the stream
// ended normally.
func (d *Decoder) Err() error {
	return d.err
}

// Close releases the underlying reader. It is safe to call more than once and
// after the sequence has ended.
func (d *Decoder) Close() error {
	d.done = true
	d.closeOnce.Do(func() {
		d.closeErr = d.rc.Close()
	})
	return d.closeErr
}

// All returns the remaining payloads as an iterator. A read error is yielded
// once as the final element. Breaking out of the loop closes the decoder.
func (d *Decoder) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		defer d.Close()
		for d.Next() {
			if !yield(d.Current(), nil) {
				return
			}
		}
		if err := d.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// parseLine interprets one line. ok reports a payload to yield; stop reports
// the "[DONE]" sentinel.
func (d *Decoder) parseLine(line []byte) (payload json.RawMessage, ok, stop bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return nil, false, false
	}
	data := line[len(dataPrefix):]
	if string(data) == doneSentinel {
		return nil, false, true
	}
	if !json.Valid(data) {
		if d.onSkip != nil {
			d.onSkip(data)
		}
		return nil, false, false
	}
	return bytes.Clone(data), true, false
}

// finish ends the sequence and releases the reader.
func (d *Decoder) finish(err error) {
	d.err = err
	_ = d.Close()
}
