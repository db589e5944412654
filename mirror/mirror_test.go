package mirror_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/routeros-client/rosclient/mirror"
	"github.com/routeros-client/rosclient/router"
)

type fakeConn struct {
	words chan []byte
	errs  chan error
	sent  chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		words: make(chan []byte, 256),
		errs:  make(chan error, 1),
		sent:  make(chan string, 256),
	}
}

func (f *fakeConn) SendWord(w []byte) error {
	f.sent <- string(w)
	return nil
}
func (f *fakeConn) Words() <-chan []byte { return f.words }
func (f *fakeConn) Errs() <-chan error   { return f.errs }
func (f *fakeConn) Close() error {
	close(f.words)
	return nil
}
func (f *fakeConn) inject(words ...string) {
	for _, w := range words {
		f.words <- []byte(w)
	}
}

func readTag(t *testing.T, f *fakeConn) string {
	t.Helper()
	var tag string
	for {
		select {
		case w := <-f.sent:
			if len(w) > 5 && w[:5] == ".tag=" {
				tag = w[5:]
			}
			if w == "" {
				return tag
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for a sentence")
		}
	}
}

func waitSnapshot(t *testing.T, ch <-chan []mirror.Row) []mirror.Row {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a snapshot")
		return nil
	}
}

func sortedIDs(rows []mirror.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r["id"]
	}
	sort.Strings(ids)
	return ids
}

func TestMirrorMergeAndDeletion(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	reg := mirror.NewRegistry(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []mirror.Row, 16)
	_, detach := reg.Subscribe(ctx, "/ip/address", nil, nil, func(s []mirror.Row) { snapshots <- s })
	defer detach()

	tag := readTag(t, conn)
	conn.inject("!re", "=.id=*1", "=address=10.0.0.1", ".tag="+tag, "")
	s := waitSnapshot(t, snapshots)
	if len(s) != 1 || s[0]["address"] != "10.0.0.1" {
		t.Fatalf("after insert: got %v", s)
	}

	conn.inject("!re", "=.id=*1", "=address=10.0.0.2", ".tag="+tag, "")
	s = waitSnapshot(t, snapshots)
	if len(s) != 1 || s[0]["address"] != "10.0.0.2" {
		t.Fatalf("after partial update: got %v, want merged address 10.0.0.2", s)
	}

	conn.inject("!re", "=.id=*1", "=.dead=true", ".tag="+tag, "")
	s = waitSnapshot(t, snapshots)
	if len(s) != 0 {
		t.Fatalf("after delete: got %v, want empty", s)
	}
}

func TestMirrorHotReplayToNewSubscriber(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	reg := mirror.NewRegistry(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots1 := make(chan []mirror.Row, 16)
	_, detach1 := reg.Subscribe(ctx, "/ip/address", nil, nil, func(s []mirror.Row) { snapshots1 <- s })
	defer detach1()

	tag := readTag(t, conn)
	conn.inject("!re", "=.id=*1", "=address=10.0.0.1", ".tag="+tag, "")
	waitSnapshot(t, snapshots1)

	// A second subscription to the same (path, query) must not start a
	// second follow stream, and must immediately replay current state.
	initial, detach2 := reg.Subscribe(ctx, "/ip/address", nil, nil, func([]mirror.Row) {})
	defer detach2()

	if len(initial) != 1 || initial[0]["address"] != "10.0.0.1" {
		t.Fatalf("hot replay: got %v, want the existing single row", initial)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d mirrors, want exactly 1 (singleton per path+query)", reg.Len())
	}
}

func TestMirrorLastDetachStopsStreamAndClearsRegistry(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	reg := mirror.NewRegistry(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, detach := reg.Subscribe(ctx, "/ip/address", nil, nil, func([]mirror.Row) {})
	tag := readTag(t, conn)
	conn.inject("!re", "=.id=*1", "=address=10.0.0.1", ".tag="+tag, "")

	detachDone := make(chan struct{})
	go func() {
		defer close(detachDone)
		detach()
	}()

	// Detach cancels the stream's context, which follow.Call turns into a
	// /cancel submission the same way an early break does; that submission
	// blocks until its own !done arrives, so Detach must run concurrently
	// with the responses below rather than being awaited synchronously.
	cancelTag := readTag(t, conn)
	if cancelTag == "" {
		t.Fatal("expected detach to cancel the underlying follow stream")
	}
	conn.inject("!done", ".tag="+cancelTag, "")
	conn.inject("!trap", "=message=interrupted", ".tag="+tag, "")

	select {
	case <-detachDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Detach never returned")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d mirrors after last detach, want 0", reg.Len())
	}
}

func TestMirrorDropsPacketWithNoIdentity(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	reg := mirror.NewRegistry(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshots := make(chan []mirror.Row, 16)
	_, detach := reg.Subscribe(ctx, "/ip/address", nil, nil, func(s []mirror.Row) { snapshots <- s })
	defer detach()

	tag := readTag(t, conn)
	conn.inject("!re", "=address=no-identity", ".tag="+tag, "")
	conn.inject("!re", "=.id=*1", "=address=10.0.0.1", ".tag="+tag, "")

	s := waitSnapshot(t, snapshots)
	if ids := sortedIDs(s); len(ids) != 1 || ids[0] != "*1" {
		t.Fatalf("got ids %v, want only the identified row to be mirrored", ids)
	}
}
