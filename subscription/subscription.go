// Package subscription implements the per-subscriber middleware pipeline
// fed by a Live Mirror: leading+trailing-edge throttling, an optional
// single-read join against a foreign collection, and optional diff-mode
// added/modified/removed reporting.
package subscription

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/go-cmp/cmp"

	"github.com/routeros-client/rosclient/mirror"
)

// Reader reads a foreign collection once for a join. It is the facade's
// read path, injected so this package stays independent of the Client
// Facade.
type Reader func(ctx context.Context, path string) ([]mirror.Row, error)

// JoinConfig configures a left join against a foreign collection, attached
// once per emission.
type JoinConfig struct {
	Path         string
	ForeignField string
	As           string
	Read         Reader
}

// Options configures a Subscription's pipeline.
type Options struct {
	ThrottleMS int // 0 disables throttling
	Join       *JoinConfig
	Diff       bool
}

// Emission is delivered to a Subscription's Listener. Current always holds
// the full post-pipeline snapshot; Added/Modified/Removed are populated only
// in diff mode.
type Emission struct {
	Added, Modified, Removed, Current []mirror.Row
}

// Listener receives each pipeline emission.
type Listener func(Emission)

// Subscription is one attached middleware pipeline.
type Subscription struct {
	opts     Options
	listener Listener
	detach   func()

	mu             sync.Mutex
	lastEmit       time.Time
	haveLastEmit   bool
	pending        []mirror.Row
	havePending    bool
	timer          *time.Timer
	prevSnapshot   []mirror.Row
	joinWarnedOnce bool
	closed         bool
}

// New attaches a Subscription to the mirror for (path, query), starting the
// underlying mirror if necessary (see mirror.Registry.Subscribe), and wires
// its raw emissions through the configured throttle/join/diff pipeline.
func New(ctx context.Context, reg *mirror.Registry, path string, query map[string]string, proplist []string, opts Options, l Listener) *Subscription {
	s := &Subscription{opts: opts, listener: l}

	initial, detachMirror := reg.Subscribe(ctx, path, query, proplist, s.onMirrorEmit)
	s.detach = detachMirror

	// Hot-observable replay goes through the same pipeline as a live update.
	s.onMirrorEmit(initial)
	return s
}

// Stop cancels any pending throttle timer and detaches from the parent
// mirror, letting it reference-count down and possibly terminate its
// follow stream.
func (s *Subscription) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.detach()
}

func (s *Subscription) onMirrorEmit(snapshot []mirror.Row) {
	if s.opts.ThrottleMS <= 0 {
		s.process(snapshot)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	if !s.haveLastEmit || now.Sub(s.lastEmit) >= time.Duration(s.opts.ThrottleMS)*time.Millisecond {
		s.haveLastEmit = true
		s.lastEmit = now
		s.mu.Unlock()
		s.process(snapshot)
		return
	}

	s.pending = snapshot
	s.havePending = true
	if s.timer == nil {
		delay := time.Duration(s.opts.ThrottleMS)*time.Millisecond - now.Sub(s.lastEmit)
		if delay < 0 {
			delay = 0
		}
		s.timer = time.AfterFunc(delay, s.fireTimer)
	}
	s.mu.Unlock()
}

func (s *Subscription) fireTimer() {
	s.mu.Lock()
	if s.closed || !s.havePending {
		s.timer = nil
		s.mu.Unlock()
		return
	}
	snapshot := s.pending
	s.havePending = false
	s.pending = nil
	s.timer = nil
	s.haveLastEmit = true
	s.lastEmit = time.Now()
	s.mu.Unlock()

	s.process(snapshot)
}

// process runs the join (if configured) and diff (if enabled) stages and
// invokes the listener.
func (s *Subscription) process(snapshot []mirror.Row) {
	current := snapshot
	if s.opts.Join != nil {
		current = s.join(snapshot)
	}

	if !s.opts.Diff {
		s.recordSnapshot(current)
		s.listener(Emission{Current: current})
		return
	}

	added, modified, removed := diffRows(s.swapSnapshot(current), current)
	if len(added) == 0 && len(modified) == 0 && len(removed) == 0 {
		return
	}
	s.listener(Emission{Added: added, Modified: modified, Removed: removed, Current: current})
}

func (s *Subscription) join(snapshot []mirror.Row) []mirror.Row {
	foreign, err := s.opts.Join.Read(context.Background(), s.opts.Join.Path)
	if err != nil {
		s.mu.Lock()
		warned := s.joinWarnedOnce
		s.joinWarnedOnce = true
		s.mu.Unlock()
		if !warned {
			glog.Warningf("subscription: join read of %s failed, emitting un-joined data: %v", s.opts.Join.Path, err)
		}
		return snapshot
	}

	byForeignKey := make(map[string]mirror.Row, len(foreign))
	for _, row := range foreign {
		byForeignKey[row[s.opts.Join.ForeignField]] = row
	}

	out := make([]mirror.Row, len(snapshot))
	for i, row := range snapshot {
		joined := make(mirror.Row, len(row)+1)
		for k, v := range row {
			joined[k] = v
		}
		if match, ok := byForeignKey[row[s.opts.Join.ForeignField]]; ok {
			joined[s.opts.Join.As] = encodeJoined(match)
		} else {
			joined[s.opts.Join.As] = ""
		}
		out[i] = joined
	}
	return out
}

// encodeJoined serializes a matched foreign row into the string-valued
// attribute shape every Row uses; a richer joined-value type is not carried
// by this protocol's row representation.
func encodeJoined(row mirror.Row) string {
	buf, err := json.Marshal(row)
	if err != nil {
		return ""
	}
	return string(buf)
}

func (s *Subscription) recordSnapshot(current []mirror.Row) {
	s.mu.Lock()
	s.prevSnapshot = current
	s.mu.Unlock()
}

func (s *Subscription) swapSnapshot(current []mirror.Row) []mirror.Row {
	s.mu.Lock()
	prev := s.prevSnapshot
	s.prevSnapshot = current
	s.mu.Unlock()
	return prev
}

// identityKey resolves a row's diff identity: .id, falling back to
// "name:<name>", falling back to its full serialized form.
func identityKey(row mirror.Row) string {
	if id, ok := row["id"]; ok && id != "" {
		return id
	}
	if name, ok := row["name"]; ok && name != "" {
		return "name:" + name
	}
	buf, _ := json.Marshal(row)
	return string(buf)
}

func diffRows(prev, current []mirror.Row) (added, modified, removed []mirror.Row) {
	prevByKey := make(map[string]mirror.Row, len(prev))
	for _, row := range prev {
		prevByKey[identityKey(row)] = row
	}
	currentByKey := make(map[string]bool, len(current))

	for _, row := range current {
		key := identityKey(row)
		currentByKey[key] = true
		old, existed := prevByKey[key]
		if !existed {
			added = append(added, row)
			continue
		}
		if !cmp.Equal(old, row) {
			modified = append(modified, row)
		}
	}
	for _, row := range prev {
		if !currentByKey[identityKey(row)] {
			removed = append(removed, row)
		}
	}
	return added, modified, removed
}
