package follow_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/routeros-client/rosclient/follow"
	"github.com/routeros-client/rosclient/router"
)

type fakeConn struct {
	words chan []byte
	errs  chan error
	sent  chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		words: make(chan []byte, 64),
		errs:  make(chan error, 1),
		sent:  make(chan string, 64),
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

func TestFollowYieldsRowsInOrder(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []map[string]string
	done := make(chan error, 1)
	go func() {
		for row, err := range follow.Call(ctx, core, "/ip/address/listen", router.Params{}) {
			if err != nil {
				done <- err
				return
			}
			got = append(got, row)
			if len(got) == 2 {
				done <- nil
				return
			}
		}
		done <- nil
	}()

	tag := readTag(t, conn)
	conn.inject(
		"!re", "=address=10.0.0.1", ".tag="+tag, "",
		"!re", "=address=10.0.0.2", ".tag="+tag, "",
	)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for two rows")
	}

	if len(got) != 2 || got[0]["address"] != "10.0.0.1" || got[1]["address"] != "10.0.0.2" {
		t.Errorf("got %v, want two rows in order", got)
	}
}

func TestFollowStopsEarlyCancelsStream(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	ctx := context.Background()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		for row, err := range follow.Call(ctx, core, "/ip/address/listen", router.Params{}) {
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			_ = row
			return // break out after the first row
		}
	}()

	streamTag := readTag(t, conn)
	conn.inject("!re", "=address=10.0.0.1", ".tag="+streamTag, "")

	// Breaking out of the range must issue a /cancel submission; the loop
	// only finishes once that submission's own !done has arrived.
	cancelTag := readTag(t, conn)
	if cancelTag == "" {
		t.Fatal("expected a /cancel sentence after early break")
	}
	conn.inject("!done", ".tag="+cancelTag, "")

	<-loopDone

	// The stream's trailing interrupted trap releases the abandoned
	// Stream.Wait() goroutine follow.Call left running in the background.
	conn.inject("!trap", "=message=interrupted", ".tag="+streamTag, "")
	time.Sleep(50 * time.Millisecond)
}
