// Package follow adapts the Router Core's tag-routed stream mode into a
// pull-style iterator, so callers can range over a live stream the same way
// they would range over any other Go sequence.
package follow

import (
	"context"
	"iter"

	"github.com/routeros-client/rosclient/router"
)

// Call starts a follow-mode operation (e.g. a `/listen` or `print
// follow=yes` style command) and returns an iterator over its rows. Ranging
// stops when the iterator's consumer stops pulling (the range `break` case),
// when ctx is cancelled, or when the stream itself ends, whichever happens
// first. In the first two cases Call sends a /cancel for the stream and
// waits for that request's reply before control returns past the loop; the
// goroutine waiting on the stream's end exits only once the stream's own
// terminating reply arrives, which can be after the loop has returned. A
// stream that ends by itself is not sent a /cancel.
//
// This mirrors the teacher's stream.Call: a capability-callback handler
// there becomes, here, the row-delivery callback the Router Core invokes
// directly for KindStream operations — there is no second RPC hop to smuggle
// values back across, so the channel-and-goroutine shape is simpler than the
// teacher's.
func Call(ctx context.Context, core *router.Core, cmd string, params router.Params) iter.Seq2[map[string]string, error] {
	return call(ctx, func(onRow func(map[string]string)) (*router.Stream, error) {
		return core.Stream(cmd, params, onRow)
	})
}

// CallWords is Call's preformed-word counterpart, for a follow-mode
// operation that needs an exact word — notably the protocol's "=follow="
// sentinel, which marks a print as a continuous stream instead of a
// one-shot listing — that router.Params cannot express.
func CallWords(ctx context.Context, core *router.Core, cmd string, body []string) iter.Seq2[map[string]string, error] {
	return call(ctx, func(onRow func(map[string]string)) (*router.Stream, error) {
		return core.StreamWords(cmd, body, onRow)
	})
}

func call(ctx context.Context, start func(onRow func(map[string]string)) (*router.Stream, error)) iter.Seq2[map[string]string, error] {
	return func(yield func(map[string]string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rows := make(chan map[string]string)
		s, err := start(func(row map[string]string) {
			select {
			case rows <- row:
			case <-ctx.Done():
			}
		})
		if err != nil {
			yield(nil, err)
			return
		}

		errc := make(chan error, 1)
		go func() {
			errc <- s.Wait()
		}()

		for {
			select {
			case row := <-rows:
				if !yield(row, nil) {
					_ = s.Cancel(context.Background())
					return
				}
			case err := <-errc:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				_ = s.Cancel(context.Background())
				yield(nil, ctx.Err())
				return
			}
		}
	}
}
