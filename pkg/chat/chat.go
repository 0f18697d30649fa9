// Package chat is a client-side engine that drives a conversation with a
// streaming chat-completion endpoint.
//
// A [Chat] owns one session: it appends the user's message to an observable
// [Store], posts the log to the endpoint described by a [Transport], decodes
// the Server-Sent-Events response, and replaces the trailing assistant
// message as deltas arrive. Each request/response cycle is a round that moves
// the status through
//
//	ready → submitted → streaming → ready | error
//
// When a round finishes normally, complete tool calls are handed to the
// configured [ToolCallHandler] and a [ContinueFunc] may start a follow-up
// round without a new user message, which is how tool results flow back to
// the model.
//
// Round failures never escape the send methods. They are recorded in the
// store's error facet and reported through [WithOnError] and
// [WithOnFinish]; the send methods only return validation errors.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chatstream/internal/observe"
	"github.com/MrWong99/chatstream/pkg/sse"
	"github.com/MrWong99/chatstream/pkg/types"
)

const (
	// DefaultMaxRounds bounds the rounds a single send may run, counting the
	// first one and every automatic continuation.
	DefaultMaxRounds = 10

	// maxErrorBody caps how much of a non-2xx response body is kept.
	maxErrorBody = 64 << 10
)

// ToolCallHandler receives every complete tool call of a finished round. It
// runs on its own goroutine; errors are logged and never fail the round.
// Handlers usually execute the tool and report back with [Chat.AddToolResult]
// on the session returned by [FromContext].
//
// ctx is derived from the context of the send that produced the call, so
// cancelling that context cancels the handler and any round its result
// starts. Callers that cancel right after a send returns should call
// [Chat.Wait] first.
type ToolCallHandler func(ctx context.Context, call types.ToolCall) error

// FinishEvent describes the end of a round.
type FinishEvent struct {
	// Message is the final assistant message. It is the zero Message when the
	// round failed before the response started streaming.
	Message types.Message

	// Messages is the complete log at the end of the round.
	Messages []types.Message

	IsAbort      bool
	IsDisconnect bool
	IsError      bool
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	ToolCallID string

	// Result becomes the tool message content: strings are used verbatim and
	// any other value is JSON-encoded.
	Result any
}

// options holds the construction-time configuration of a [Chat].
type options struct {
	id           string
	messages     []types.Message
	maxRounds    int
	singleFlight bool
	logger       *slog.Logger
	metrics      *observe.Metrics
	onFinish     func(FinishEvent)
	onError      func(error)
	onToolCall   ToolCallHandler
	autoContinue ContinueFunc
}

// Option configures a [Chat].
type Option func(*options)

// WithID sets the session id. By default a random UUID is used.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// WithMessages seeds the log.
func WithMessages(ms []types.Message) Option {
	return func(o *options) { o.messages = ms }
}

// WithMaxRounds caps the rounds one send may run, including automatic
// continuations. n <= 0 removes the cap. Default: [DefaultMaxRounds].
func WithMaxRounds(n int) Option {
	return func(o *options) { o.maxRounds = n }
}

// WithSingleFlight makes sends fail with [ErrBusy] while a round is in
// flight. Without it, overlapping sends are the caller's responsibility.
func WithSingleFlight() Option {
	return func(o *options) { o.singleFlight = true }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOnFinish registers a callback invoked at the end of every round.
func WithOnFinish(fn func(FinishEvent)) Option {
	return func(o *options) { o.onFinish = fn }
}

// WithOnError registers a callback invoked with every round failure.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithToolCallHandler registers the receiver of complete tool calls.
func WithToolCallHandler(fn ToolCallHandler) Option {
	return func(o *options) { o.onToolCall = fn }
}

// WithAutoContinue sets the predicate deciding whether a follow-up round
// starts automatically. See [LastMessageIsToolResult] and
// [LastAssistantMessageIsCompleteWithToolCalls].
func WithAutoContinue(fn ContinueFunc) Option {
	return func(o *options) { o.autoContinue = fn }
}

// sendConfig holds per-call overrides.
type sendConfig struct {
	headers map[string]string
	body    map[string]any
}

// SendOption configures a single send.
type SendOption func(*sendConfig)

// WithHeaders adds request headers for this send, overriding transport
// headers with the same name.
func WithHeaders(h map[string]string) SendOption {
	return func(c *sendConfig) { c.headers = mergeMaps(c.headers, h) }
}

// WithBody adds top-level payload fields for this send, overriding transport
// body fields with the same key.
func WithBody(b map[string]any) SendOption {
	return func(c *sendConfig) { c.body = mergeMaps(c.body, b) }
}

// Chat is one conversation session. All methods are safe for concurrent use.
type Chat struct {
	transport Transport
	opts      options
	store     *Store
	log       *slog.Logger
	metrics   *observe.Metrics

	mu     sync.Mutex
	active int // rounds in flight
	cancel context.CancelFunc
	gen    uint64 // identifies the round owning cancel
	stops  uint64 // calls to Stop

	pending sync.WaitGroup // tool-call notifications
}

// New returns a session that talks to the endpoint described by t.
func New(t Transport, opts ...Option) *Chat {
	o := options{maxRounds: DefaultMaxRounds}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return &Chat{
		transport: t,
		opts:      o,
		store:     NewStore(o.messages),
		log:       o.logger.With("session_id", o.id),
		metrics:   o.metrics,
	}
}

// ID returns the session id.
func (c *Chat) ID() string { return c.opts.id }

// Store returns the observable state backing the session.
func (c *Chat) Store() *Store { return c.store }

// Messages returns the current log snapshot.
func (c *Chat) Messages() []types.Message { return c.store.Messages() }

// Status returns the current request status.
func (c *Chat) Status() types.Status { return c.store.Status() }

// Err returns the error of the last failed round, or nil.
func (c *Chat) Err() error { return c.store.Err() }

// SubscribeMessages registers fn to be called after every log mutation.
func (c *Chat) SubscribeMessages(fn func()) func() { return c.store.SubscribeMessages(fn) }

// SubscribeStatus registers fn to be called after every status change.
func (c *Chat) SubscribeStatus(fn func()) func() { return c.store.SubscribeStatus(fn) }

// SubscribeError registers fn to be called after every error assignment.
func (c *Chat) SubscribeError(fn func()) func() { return c.store.SubscribeError(fn) }

// WithSessionID returns c when id is the current session id, and otherwise a
// new session with the same configuration and an empty log.
func (c *Chat) WithSessionID(id string) *Chat {
	if id == "" || id == c.opts.id {
		return c
	}
	o := c.opts
	o.id = id
	o.messages = nil
	return &Chat{
		transport: c.transport,
		opts:      o,
		store:     NewStore(nil),
		log:       o.logger.With("session_id", id),
		metrics:   o.metrics,
	}
}

// SendMessage appends msg to the log and runs rounds until the response is
// complete and no automatic continuation is requested. It blocks for the
// duration; cancelling ctx aborts the round in flight the same way
// [Chat.Stop] does.
//
// Only a [*ValidationError], or [ErrBusy] under [WithSingleFlight], is
// returned. Round failures are reported through the store and callbacks.
func (c *Chat) SendMessage(ctx context.Context, msg types.Message, opts ...SendOption) error {
	if err := validateMessage(msg); err != nil {
		return err
	}
	if msg.Role == types.RoleUser && strings.TrimSpace(msg.Content) == "" {
		return &ValidationError{Field: "content", Reason: "user message is empty"}
	}
	stops, ok := c.begin()
	if !ok {
		return ErrBusy
	}
	c.store.Append(msg)
	c.run(ctx, chainState{chat: c, sc: newSendConfig(opts), stops: stops})
	return nil
}

// SendText sends content as a user message.
func (c *Chat) SendText(ctx context.Context, content string, opts ...SendOption) error {
	return c.SendMessage(ctx, types.Message{Role: types.RoleUser, Content: content}, opts...)
}

// Continue runs rounds over the current log without appending a message.
func (c *Chat) Continue(ctx context.Context, opts ...SendOption) error {
	stops, ok := c.begin()
	if !ok {
		return ErrBusy
	}
	c.run(ctx, chainState{chat: c, sc: newSendConfig(opts), stops: stops})
	return nil
}

// SetMessages replaces the log. Every message must carry a known role and
// tool messages must name the call they answer.
func (c *Chat) SetMessages(ms []types.Message) error {
	for i, m := range ms {
		if err := validateMessage(m); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				ve.Field = fmt.Sprintf("messages[%d].%s", i, ve.Field)
			}
			return err
		}
	}
	c.store.SetMessages(ms)
	return nil
}

// UpdateMessages replaces the log with fn applied to a copy of the current
// log, validated like [Chat.SetMessages].
func (c *Chat) UpdateMessages(fn func([]types.Message) []types.Message) error {
	return c.SetMessages(fn(slices.Clone(c.store.Messages())))
}

// Stop aborts the round in flight, if any, and forces the status to ready.
// Sends already under way start no further automatic continuation, even when
// Stop lands between two rounds.
func (c *Chat) Stop() {
	c.mu.Lock()
	c.stops++
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()
	c.store.SetStatus(types.StatusReady)
}

// AddToolResult appends the tool message answering res.ToolCallID. If no
// round is in flight and the continuation predicate accepts the new log, it
// then runs rounds like [Chat.Continue] and blocks until they finish.
//
// When called with the context handed to a [ToolCallHandler], the follow-up
// rounds count towards the round cap of the send that produced the tool call
// and reuse its per-call options. While other handlers of the same round are
// still running, AddToolResult only appends; the continuation is decided once
// all of them have returned.
func (c *Chat) AddToolResult(ctx context.Context, res ToolResult) error {
	if res.ToolCallID == "" {
		return &ValidationError{Field: "tool_call_id", Reason: "must not be empty"}
	}
	content, err := resultContent(res.Result)
	if err != nil {
		return &ValidationError{Field: "result", Reason: err.Error()}
	}

	chain, _ := ctx.Value(chainKey{}).(chainState)
	if chain.chat != c {
		chain = chainState{chat: c, stops: c.stopCount()}
	}
	c.store.Append(types.Message{Role: types.RoleTool, Content: content, ToolCallID: res.ToolCallID})

	if chain.batch != nil && chain.batch.hold() {
		return nil
	}
	c.continueChain(ctx, chain)
	return nil
}

// continueChain runs the next rounds of chain when the round cap allows it
// and the continuation predicate accepts the log.
func (c *Chat) continueChain(ctx context.Context, chain chainState) {
	if ctx.Err() != nil || c.atRoundLimit(chain.rounds) {
		return
	}
	if c.shouldContinue(chain.stops) {
		c.run(ctx, chain)
	}
}

// atRoundLimit reports whether a chain that has run n rounds may not run
// another one.
func (c *Chat) atRoundLimit(n int) bool {
	if c.opts.maxRounds <= 0 || n < c.opts.maxRounds {
		return false
	}
	if c.opts.autoContinue != nil && c.opts.autoContinue(c.store.Messages()) {
		c.log.Warn("auto-continuation stopped at round limit", "max_rounds", c.opts.maxRounds)
	}
	return true
}

// Wait blocks until every pending tool-call notification has returned,
// including any rounds those notifications started.
func (c *Chat) Wait() {
	c.pending.Wait()
}

// begin claims a round slot, honouring single-flight. It returns the Stop
// count the new send starts from.
func (c *Chat) begin() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.singleFlight && c.active > 0 {
		return 0, false
	}
	c.active++
	return c.stops, true
}

func (c *Chat) stopCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// shouldContinue claims a round slot when no round is in flight, Stop has not
// been called since the send began and the continuation predicate accepts the
// current log. Checking and claiming under one lock keeps a round's own
// continuation and a concurrent AddToolResult from both starting a round.
func (c *Chat) shouldContinue(stops uint64) bool {
	if c.opts.autoContinue == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active > 0 || c.stops != stops || !c.opts.autoContinue(c.store.Messages()) {
		return false
	}
	c.active++
	return true
}

// chainKey carries a [chainState] in the context given to tool-call handlers.
type chainKey struct{}

// chainState links rounds started from a tool result to the send whose round
// requested the tool call.
type chainState struct {
	chat   *Chat
	rounds int // rounds run so far
	sc     sendConfig
	stops  uint64 // Stop count when the send began
	batch  *toolBatch
}

// toolBatch tracks the handlers notified for one round.
type toolBatch struct {
	mu    sync.Mutex
	open  bool
	added bool // a handler appended a result while open
}

func newToolBatch() *toolBatch { return &toolBatch{open: true} }

// hold reports whether the batch is still running, in which case it decides
// the continuation itself once every handler returned.
func (b *toolBatch) hold() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		b.added = true
	}
	return b.open
}

// close ends the batch and reports whether any result was held for it.
func (b *toolBatch) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	return b.added
}

// FromContext returns the session that handed ctx to a [ToolCallHandler].
func FromContext(ctx context.Context) (*Chat, bool) {
	chain, ok := ctx.Value(chainKey{}).(chainState)
	return chain.chat, ok && chain.chat != nil
}

// run executes the rounds following chain.rounds until one does not finish
// normally, the predicate declines, or the round cap is hit. The caller must
// have claimed a slot.
func (c *Chat) run(ctx context.Context, chain chainState) {
	chain.batch = nil
	for {
		chain.rounds++
		if !c.round(ctx, chain) {
			return
		}
		if c.atRoundLimit(chain.rounds) || !c.shouldContinue(chain.stops) {
			return
		}
	}
}

// roundState tracks one round while it streams.
type roundState struct {
	acc         *Accumulator
	placeholder bool
	deltas      int
	start       time.Time
}

// round runs one request/response cycle and reports whether it finished
// normally. It releases the slot claimed for it before returning.
func (c *Chat) round(parent context.Context, chain chainState) bool {
	n, sc := chain.rounds, chain.sc
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "chat.round", trace.WithAttributes(
		attribute.String("chat.session_id", c.opts.id),
		attribute.Int("chat.round", n),
	))
	defer span.End()

	gen := c.setCancel(cancel)
	log := observe.LoggerFrom(ctx, c.log).With("round", n)

	c.store.SetError(nil)
	c.store.SetStatus(types.StatusSubmitted)
	c.metrics.ActiveRounds.Add(ctx, 1)
	defer c.metrics.ActiveRounds.Add(ctx, -1)

	st := &roundState{acc: NewAccumulator(), start: time.Now()}
	err := c.stream(ctx, sc, st, log)

	var final types.Message
	if st.placeholder {
		final = st.acc.Message()
	}

	switch {
	case err == nil && ctx.Err() == nil:
		c.store.SetStatus(types.StatusReady)
		c.release(gen)
		c.notifyToolCalls(trace.ContextWithSpan(parent, span), chain, st.acc.Complete(), log)
		c.finish(ctx, span, observe.OutcomeOK, st)
		log.Debug("round finished", "deltas", st.deltas, "tool_calls", len(final.ToolCalls))
		c.emitFinish(FinishEvent{Message: final, Messages: c.store.Messages()})
		return true

	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		c.store.SetStatus(types.StatusReady)
		c.release(gen)
		c.finish(ctx, span, observe.OutcomeAbort, st)
		log.Debug("round aborted", "deltas", st.deltas)
		c.emitFinish(FinishEvent{Message: final, Messages: c.store.Messages(), IsAbort: true})
		return false

	default:
		disconnect := IsDisconnect(err)
		c.store.SetError(err)
		c.store.SetStatus(types.StatusError)
		c.release(gen)
		c.metrics.RecordTransportError(ctx, errorKind(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.finish(ctx, span, observe.OutcomeError, st)
		log.Warn("round failed", "err", err, "disconnect", disconnect)
		if c.opts.onError != nil {
			c.opts.onError(err)
		}
		c.emitFinish(FinishEvent{
			Message:      final,
			Messages:     c.store.Messages(),
			IsError:      true,
			IsDisconnect: disconnect,
		})
		return false
	}
}

// stream issues the request and consumes the response into st.
func (c *Chat) stream(ctx context.Context, sc sendConfig, st *roundState, log *slog.Logger) error {
	rt, err := c.transport.resolve(ctx)
	if err != nil {
		return err
	}
	payload, err := c.transport.buildPayload(c.opts.id, c.store.Messages(), rt, sc)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("chat: encode request body: %w", err)
	}
	header := requestHeader(rt, sc)
	observe.InjectHeaders(ctx, header)

	resp, err := rt.fetch.Fetch(ctx, &FetchRequest{
		URL:         rt.api,
		Method:      http.MethodPost,
		Header:      header,
		Body:        body,
		Credentials: rt.credentials,
	})
	if err != nil {
		return &NetworkError{Err: err}
	}
	if resp == nil {
		return ErrMissingBody
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var text []byte
		if resp.Body != nil {
			text, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			_ = resp.Body.Close()
		}
		return &TransportError{StatusCode: resp.StatusCode, Body: string(text)}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return ErrMissingBody
	}

	c.store.Append(types.Message{Role: types.RoleAssistant})
	st.placeholder = true
	c.store.SetStatus(types.StatusStreaming)

	dec := sse.NewDecoder(resp.Body, sse.WithSkipHook(func(p []byte) {
		c.metrics.SSESkipped.Add(ctx, 1)
		log.Debug("skipping malformed event payload", "payload", string(p))
	}))
	defer dec.Close()

	for dec.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := DecodeChunk(dec.Current())
		if err != nil {
			c.metrics.SSESkipped.Add(ctx, 1)
			log.Debug("skipping undecodable chunk", "err", err)
			continue
		}
		if st.deltas == 0 {
			c.metrics.FirstDelta.Record(ctx, time.Since(st.start).Seconds())
		}
		st.deltas++
		c.metrics.Deltas.Add(ctx, 1)
		st.acc.Add(chunk)
		c.store.ReplaceTrailing(st.acc.Message())
	}
	if err := dec.Err(); err != nil {
		return &NetworkError{Err: err}
	}
	return ctx.Err()
}

// notifyToolCalls hands each complete call to the tool-call handler on a
// background goroutine. Each id is reported at most once per round. Results
// the handlers add while the batch runs are continued from here, after the
// last handler returned.
func (c *Chat) notifyToolCalls(ctx context.Context, chain chainState, calls []types.ToolCall, log *slog.Logger) {
	if c.opts.onToolCall == nil || len(calls) == 0 {
		return
	}
	notified := make(map[string]struct{}, len(calls))
	var todo []types.ToolCall
	for _, tc := range calls {
		if _, dup := notified[tc.ID]; dup {
			continue
		}
		notified[tc.ID] = struct{}{}
		todo = append(todo, tc)
	}

	chain.batch = newToolBatch()
	ctx = context.WithValue(ctx, chainKey{}, chain)
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		var g errgroup.Group
		for _, tc := range todo {
			g.Go(func() error {
				err := c.callHandler(ctx, tc)
				if err != nil {
					c.metrics.RecordToolNotification(ctx, "error")
					log.Warn("tool call notification failed", "err", err)
					return err
				}
				c.metrics.RecordToolNotification(ctx, "ok")
				return nil
			})
		}
		_ = g.Wait()

		if chain.batch.close() {
			c.continueChain(ctx, chain)
		}
	}()
}

// callHandler invokes the tool-call handler, converting failures and panics
// into a [*ToolNotificationError].
func (c *Chat) callHandler(ctx context.Context, tc types.ToolCall) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ToolNotificationError{ToolCallID: tc.ID, Name: tc.Function.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := c.opts.onToolCall(ctx, tc); e != nil {
		return &ToolNotificationError{ToolCallID: tc.ID, Name: tc.Function.Name, Err: e}
	}
	return nil
}

func (c *Chat) finish(ctx context.Context, span trace.Span, outcome string, st *roundState) {
	span.SetAttributes(
		attribute.String("chat.outcome", outcome),
		attribute.Int("chat.deltas", st.deltas),
	)
	c.metrics.RecordRound(ctx, outcome, time.Since(st.start))
}

func (c *Chat) emitFinish(ev FinishEvent) {
	if c.opts.onFinish != nil {
		c.opts.onFinish(ev)
	}
}

// setCancel records cancel as the in-flight round's cancellation.
func (c *Chat) setCancel(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cancel = cancel
	return c.gen
}

// release clears the cancellation of round gen and frees its slot.
func (c *Chat) release(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.cancel = nil
	}
	c.active--
}

func newSendConfig(opts []SendOption) sendConfig {
	var sc sendConfig
	for _, o := range opts {
		o(&sc)
	}
	return sc
}

func validateMessage(m types.Message) error {
	if !m.Role.IsValid() {
		return &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", m.Role)}
	}
	if m.Role == types.RoleTool && m.ToolCallID == "" {
		return &ValidationError{Field: "tool_call_id", Reason: "tool message must reference a tool call"}
	}
	return nil
}

func resultContent(v any) (string, error) {
	switch r := v.(type) {
	case string:
		return r, nil
	case json.RawMessage:
		if !json.Valid(r) {
			return "", errors.New("raw result is not valid JSON")
		}
		return string(r), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
