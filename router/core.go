package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/golang/glog"
)

// Conn is the word-level duplex the Core dispatches over. A transport
// implementation (see the transport package's Socket type) satisfies this by
// construction: it decodes inbound bytes with the frame codec and exposes the
// resulting words on a channel, and accepts already-encoded words for
// writing.
type Conn interface {
	// SendWord writes one already length-prefixed-free word (the raw UTF-8
	// payload, without framing) to the peer. Implementations are responsible
	// for framing; Core only guarantees that calls to SendWord for words of
	// the same sentence are not interleaved with another sentence's words.
	SendWord(word []byte) error
	// Words returns the channel of successfully decoded inbound words.
	Words() <-chan []byte
	// Errs returns the channel on which the terminal transport error
	// (io.EOF when the peer closes the connection cleanly) is delivered.
	Errs() <-chan error
	// Close terminates the connection.
	Close() error
}

// Kind distinguishes a one-shot request from a long-lived stream.
type Kind int

const (
	KindRequest Kind = iota
	KindStream
)

type pendingOp struct {
	kind    Kind
	rows    []map[string]string
	resolve func([]map[string]string)
	reject  func(error)
	onRow   func(map[string]string)
	start   time.Time
}

// FeedbackFunc receives the observed round-trip latency of a completed
// operation, for consumption by an adaptive rate limiter. It may be nil.
type FeedbackFunc func(time.Duration)

// Core is the multiplexed tagged request/response router for one socket
// connection. One Core owns exactly one Conn; submit and dispatch are
// serialized so that the frame codec on the peer always sees well-formed
// sentences.
type Core struct {
	conn     Conn
	tags     *tagAllocator
	feedback FeedbackFunc

	writeMu sync.Mutex // serializes sentence writes at sentence granularity

	mu      sync.Mutex
	pending map[string]*pendingOp
	acc     *accumulator
	closed  bool
	fatal   error

	tasks *taskgroup.Group
	done  chan struct{}
}

// New constructs a Core bound to conn. Call Start to begin dispatch.
func New(conn Conn, feedback FeedbackFunc) *Core {
	return &Core{
		conn:     conn,
		tags:     newTagAllocator(),
		feedback: feedback,
		pending:  make(map[string]*pendingOp),
		acc:      newAccumulator(),
		done:     make(chan struct{}),
	}
}

// Start begins the dispatch loop. It does not block.
func (c *Core) Start() {
	g := taskgroup.New(nil)
	c.tasks = g
	g.Go(func() error {
		defer close(c.done)
		for {
			select {
			case word, ok := <-c.conn.Words():
				if !ok {
					c.failAll(fmt.Errorf("connection closed"))
					return nil
				}
				c.handleWord(string(word))
			case err := <-c.conn.Errs():
				c.failAll(err)
				return nil
			}
		}
	})
}

// Wait blocks until the dispatch loop has exited.
func (c *Core) Wait() { <-c.done }

func (c *Core) handleWord(word string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	done := c.acc.feed(word)
	if !done {
		c.mu.Unlock()
		return
	}
	s := c.acc.sentence()
	c.acc = newAccumulator()
	c.mu.Unlock()

	c.routeSentence(s)
}

// routeSentence implements the dispatch table of the protocol: !re rows
// accumulate or stream immediately, !done resolves and reports latency
// feedback, !trap fails the operation (absorbing a post-cancel
// "interrupted" trap), and unknown tags are dropped silently.
func (c *Core) routeSentence(s Sentence) {
	if s.Tag == "" {
		glog.V(2).Infof("router: dropping untagged reply %s", s.Reply)
		return
	}

	c.mu.Lock()
	op, ok := c.pending[s.Tag]
	c.mu.Unlock()
	if !ok {
		glog.V(2).Infof("router: dropping reply for unknown tag %s", s.Tag)
		return
	}

	switch s.Reply {
	case ReplyData:
		if op.kind == KindStream {
			op.onRow(s.Attrs)
		} else {
			c.mu.Lock()
			op.rows = append(op.rows, s.Attrs)
			c.mu.Unlock()
		}

	case ReplyDone:
		c.reportFeedback(op)
		c.removePending(s.Tag)
		if op.kind == KindRequest {
			op.resolve(op.rows)
		} else if op.reject != nil {
			// A stream that reaches !done without a trap or explicit cancel
			// still has to release Wait(), or it hangs forever.
			op.reject(nil)
		}

	case ReplyTrap:
		c.reportFeedback(op)
		c.removePending(s.Tag)
		msg := s.Attrs["message"]
		if strings.Contains(strings.ToLower(msg), "interrupted") {
			// Expected trailer of a /cancel: not an error, but a stream's
			// Wait() must still be released by it, or a caller blocked in
			// Wait() (and anything selecting on it) hangs forever.
			if op.kind == KindStream && op.reject != nil {
				op.reject(nil)
			}
			return
		}
		if op.reject != nil {
			op.reject(&routerTrapError{Message: msg})
		}

	case ReplyFatal:
		c.removePending(s.Tag)
		if op.reject != nil {
			op.reject(&routerTrapError{Message: s.Attrs["message"], Fatal: true})
		}

	default:
		glog.V(2).Infof("router: dropping sentence with unrecognized reply type %q", s.Reply)
	}
}

type routerTrapError struct {
	Message string
	Fatal   bool
}

func (e *routerTrapError) Error() string { return e.Message }

func (c *Core) reportFeedback(op *pendingOp) {
	if c.feedback != nil {
		c.feedback(time.Since(op.start))
	}
}

func (c *Core) removePending(tag string) {
	c.mu.Lock()
	delete(c.pending, tag)
	c.mu.Unlock()
	c.tags.Release(tag)
}

func (c *Core) failAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.fatal = err
	c.mu.Unlock()

	for tag, op := range pending {
		if op.reject != nil {
			op.reject(&ConnectionLostError{Tag: tag})
		}
	}
}

// ConnectionLostError is reported to every pending operation abandoned by an
// unexpected connection drop.
type ConnectionLostError struct{ Tag string }

func (e *ConnectionLostError) Error() string { return "connection lost (tag " + e.Tag + ")" }

// Close terminates the connection. Pending operations are silently dropped
// without being resolved or rejected, per the explicit-close contract:
// callers are expected to observe the close and stop waiting.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Core) write(words []string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, w := range words {
		if err := c.conn.SendWord([]byte(w)); err != nil {
			return &TransportWriteError{Err: err}
		}
	}
	return nil
}

// TransportWriteError wraps a write failure observed while sending a
// sentence.
type TransportWriteError struct{ Err error }

func (e *TransportWriteError) Error() string { return "router: write: " + e.Err.Error() }
func (e *TransportWriteError) Unwrap() error { return e.Err }

// Submit sends a one-shot request and blocks until its terminal reply
// arrives or ctx ends. On success it returns the accumulated !re rows.
func (c *Core) Submit(ctx context.Context, cmd string, params Params) ([]map[string]string, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	tag, err := c.tags.Alloc()
	if err != nil {
		return nil, err
	}

	resCh := make(chan []map[string]string, 1)
	errCh := make(chan error, 1)
	op := &pendingOp{
		kind:    KindRequest,
		resolve: func(rows []map[string]string) { resCh <- rows },
		reject:  func(err error) { errCh <- err },
		start:   time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tags.Release(tag)
		return nil, c.fatal
	}
	c.pending[tag] = op
	c.mu.Unlock()

	if err := c.write(BuildSentence(cmd, params, tag)); err != nil {
		c.removePending(tag)
		return nil, err
	}

	select {
	case rows := <-resCh:
		return rows, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		c.removePending(tag)
		return nil, ctx.Err()
	}
}

// SubmitWords is the polymorphic "preformed words" counterpart of Submit: it
// accepts an already key-prefixed body (each word carrying its own "=" or
// "?" marker) instead of a Params value, for callers that must control
// attribute-vs-query word formation exactly (e.g. "=follow=" sentinels).
func (c *Core) SubmitWords(ctx context.Context, cmd string, body []string) ([]map[string]string, error) {
	tag, err := c.tags.Alloc()
	if err != nil {
		return nil, err
	}
	resCh := make(chan []map[string]string, 1)
	errCh := make(chan error, 1)
	op := &pendingOp{
		kind:    KindRequest,
		resolve: func(rows []map[string]string) { resCh <- rows },
		reject:  func(err error) { errCh <- err },
		start:   time.Now(),
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tags.Release(tag)
		return nil, c.fatal
	}
	c.pending[tag] = op
	c.mu.Unlock()

	if err := c.write(BuildWords(cmd, body, tag)); err != nil {
		c.removePending(tag)
		return nil, err
	}

	select {
	case rows := <-resCh:
		return rows, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		c.removePending(tag)
		return nil, ctx.Err()
	}
}

// Stream is a handle to a running follow-mode operation.
type Stream struct {
	core *Core
	tag  string
	done chan error
}

// Cancel sends a /cancel for the stream's tag, bypassing no further queueing
// (the request is submitted directly, as with every Core-level send), and
// blocks until that request's own terminal reply arrives or ctx ends. Every
// call submits a new /cancel; repeated calls are not collapsed into one.
func (s *Stream) Cancel(ctx context.Context) error {
	_, err := s.core.Submit(ctx, "/cancel", Params{Attrs: map[string]string{"tag": s.tag}})
	return err
}

// Wait blocks until the stream ends (by cancellation, by a !trap/!fatal, or
// because the connection closed) and returns the terminating error, if any.
func (s *Stream) Wait() error { return <-s.done }

// Stream opens a follow-mode operation: the callback fires for every !re row
// until the stream is canceled or the operation traps. The row callback runs
// synchronously with dispatch and must return promptly — a misbehaving
// callback would otherwise stall the whole connection, so callers that do
// nontrivial work per row should hand it off to their own worker.
func (c *Core) Stream(cmd string, params Params, onRow func(map[string]string)) (*Stream, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return c.startStream(onRow, func(tag string) []string {
		return BuildSentence(cmd, params, tag)
	})
}

// StreamWords is the preformed-word counterpart of Stream, for follow-mode
// operations that need an exact word (e.g. "=follow=") Params can't express
// — the same preformed-body mechanism SubmitWords offers for one-shot
// submissions.
func (c *Core) StreamWords(cmd string, body []string, onRow func(map[string]string)) (*Stream, error) {
	return c.startStream(onRow, func(tag string) []string {
		return BuildWords(cmd, body, tag)
	})
}

func (c *Core) startStream(onRow func(map[string]string), build func(tag string) []string) (*Stream, error) {
	tag, err := c.tags.Alloc()
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	op := &pendingOp{
		kind:  KindStream,
		onRow: onRow,
		reject: func(err error) {
			select {
			case done <- err:
			default:
			}
		},
		start: time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.tags.Release(tag)
		return nil, c.fatal
	}
	c.pending[tag] = op
	c.mu.Unlock()

	if err := c.write(build(tag)); err != nil {
		c.removePending(tag)
		return nil, err
	}

	return &Stream{core: c, tag: tag, done: done}, nil
}

// Login performs the legacy challenge-response handshake described by the
// protocol's auth section. It is an internal submit that callers must issue
// before any other traffic on a freshly connected socket; it is exempt from
// rate limiting and circuit breaking by virtue of being invoked directly
// against the Core rather than through the Facade's wrapped write path.
func (c *Core) Login(ctx context.Context, name, password string, hashChallenge func(password, challengeHex string) (string, error)) error {
	rows, err := c.Submit(ctx, "/login", Params{Attrs: map[string]string{"name": name, "password": password}})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil // modern RouterOS accepts single-step login with no challenge
	}
	challenge, ok := rows[0]["ret"]
	if !ok || challenge == "" {
		return nil
	}
	response, err := hashChallenge(password, challenge)
	if err != nil {
		return err
	}
	_, err = c.Submit(ctx, "/login", Params{Attrs: map[string]string{
		"name":     name,
		"response": response,
	}})
	return err
}

