package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/routeros-client/rosclient/router"
)

// fakeConn is an in-memory router.Conn that lets a test script inbound words
// and records outbound ones.
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

// readSentCommand drains the sent channel until it has collected one
// complete sentence (up to and including the empty terminator) and returns
// the tag found in it.
func readSentCommand(t *testing.T, f *fakeConn) (cmd string, tag string) {
	t.Helper()
	var words []string
	for {
		select {
		case w := <-f.sent:
			words = append(words, w)
			if w == "" {
				goto done
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for a sentence; got %v so far", words)
		}
	}
done:
	cmd = words[0]
	for _, w := range words {
		if len(w) > 5 && w[:5] == ".tag=" {
			tag = w[5:]
		}
	}
	return cmd, tag
}

func TestSubmitRequestRouting(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	type result struct {
		rows []map[string]string
		err  error
	}
	resA := make(chan result, 1)
	resB := make(chan result, 1)

	go func() {
		rows, err := core.Submit(context.Background(), "/ip/address/print", router.Params{})
		resA <- result{rows, err}
	}()
	_, tagA := readSentCommand(t, conn)

	go func() {
		rows, err := core.Submit(context.Background(), "/ip/address/print", router.Params{})
		resB <- result{rows, err}
	}()
	_, tagB := readSentCommand(t, conn)

	if tagA == tagB {
		t.Fatalf("tagA == tagB == %q, want distinct tags", tagA)
	}

	// Interleave: !re for A, !re for B, !done for B, !done for A.
	conn.inject(
		"!re", "=address=10.0.0.1", ".tag="+tagA, "",
		"!re", "=address=10.0.0.2", ".tag="+tagB, "",
		"!done", ".tag="+tagB, "",
		"!done", ".tag="+tagA, "",
	)

	ra := <-resA
	rb := <-resB
	if ra.err != nil {
		t.Fatalf("A: unexpected error: %v", ra.err)
	}
	if rb.err != nil {
		t.Fatalf("B: unexpected error: %v", rb.err)
	}
	if len(ra.rows) != 1 || ra.rows[0]["address"] != "10.0.0.1" {
		t.Errorf("A: got rows %v, want [{address:10.0.0.1}]", ra.rows)
	}
	if len(rb.rows) != 1 || rb.rows[0]["address"] != "10.0.0.2" {
		t.Errorf("B: got rows %v, want [{address:10.0.0.2}]", rb.rows)
	}
}

func TestTrapFailsCaller(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	resCh := make(chan error, 1)
	go func() {
		_, err := core.Submit(context.Background(), "/ip/address/add", router.Params{
			Attrs: map[string]string{"address": "bogus"},
		})
		resCh <- err
	}()
	_, tag := readSentCommand(t, conn)

	conn.inject("!trap", "=message=no such address", ".tag="+tag, "")

	err := <-resCh
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func TestInterruptedTrapAfterCancelIsSwallowed(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()
	defer core.Close()

	var rows []map[string]string
	stream, err := core.Stream("/ip/address/listen", router.Params{}, func(r map[string]string) {
		rows = append(rows, r)
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	_, streamTag := readSentCommand(t, conn)

	go stream.Cancel(context.Background())
	_, cancelTag := readSentCommand(t, conn) // the /cancel submission itself

	// The cancel's own !done.
	conn.inject("!done", ".tag="+cancelTag, "")
	// The stream's trailing "interrupted" trap must not surface as an error.
	conn.inject("!trap", "=message=interrupted", ".tag="+streamTag, "")

	select {
	case err := <-waitNonBlocking(stream):
		if err != nil {
			t.Errorf("stream ended with error %v, want nil (interrupted should be swallowed)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stream.Wait() never returned after the interrupted trap; it must be released so callers don't leak")
	}
}

func waitNonBlocking(s *router.Stream) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Wait() }()
	return ch
}

func TestConnectionLostFailsPending(t *testing.T) {
	defer leaktest.Check(t)()

	conn := newFakeConn()
	core := router.New(conn, nil)
	core.Start()

	resCh := make(chan error, 1)
	go func() {
		_, err := core.Submit(context.Background(), "/ip/address/print", router.Params{})
		resCh <- err
	}()
	readSentCommand(t, conn)

	close(conn.words) // simulate an unexpected close

	err := <-resCh
	if err == nil {
		t.Fatal("expected a ConnectionLostError, got nil")
	}
	if _, ok := err.(*router.ConnectionLostError); !ok {
		t.Errorf("got error of type %T, want *router.ConnectionLostError", err)
	}
}
