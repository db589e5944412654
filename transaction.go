package rosclient

import (
	"context"
	"errors"

	"github.com/creachadair/taskgroup"
)

// Step is one write in a transaction: a path, the WriteAction to perform,
// its id (required for Set/Remove), and the write's parameters.
type Step struct {
	Path   string
	Action WriteAction
	ID     string
	Params map[string]string
	Opts   WriteOptions
}

// StepResult is one Step's outcome within a transaction.
type StepResult struct {
	Rows []map[string]string
	Err  error
}

// Transaction runs a batch of Steps against the Client's write path,
// honoring the same idempotency and offline-queue semantics each step
// would get called individually.
type Transaction struct {
	client *Client
	steps  []Step
}

// NewTransaction builds a Transaction over the given Client and Steps.
func NewTransaction(c *Client, steps []Step) *Transaction {
	return &Transaction{client: c, steps: steps}
}

// RunSequential executes each step in order, stopping at the first step
// whose error is not the offline-queue sentinel. Results for steps that
// did not run are omitted; len(results) == len(t.steps) only on a run that
// completes every step.
func (t *Transaction) RunSequential(ctx context.Context) []StepResult {
	results := make([]StepResult, 0, len(t.steps))
	for _, s := range t.steps {
		rows, err := t.client.Write(ctx, s.Path, s.Action, s.ID, s.Params, s.Opts)
		results = append(results, StepResult{Rows: rows, Err: err})
		if err != nil && !errors.Is(err, ErrQueuedOffline) {
			return results
		}
	}
	return results
}

// RunParallel executes every step concurrently and collects every result,
// matching the Swarm's per-node outcome philosophy: one failing step never
// aborts or hides the others' results.
func (t *Transaction) RunParallel(ctx context.Context) []StepResult {
	results := make([]StepResult, len(t.steps))
	g := taskgroup.New(nil)
	for i, s := range t.steps {
		i, s := i, s
		g.Go(func() error {
			rows, err := t.client.Write(ctx, s.Path, s.Action, s.ID, s.Params, s.Opts)
			results[i] = StepResult{Rows: rows, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}
