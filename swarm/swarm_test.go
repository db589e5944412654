package swarm_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/routeros-client/rosclient/swarm"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id       string
	calls    atomic.Int32
	failWith error
	data     []map[string]string
}

func (c *fakeClient) Do(ctx context.Context, cmd string, params map[string]string) ([]map[string]string, error) {
	c.calls.Add(1)
	if c.failWith != nil {
		return nil, c.failWith
	}
	return c.data, nil
}

func TestBroadcastReturnsOneOutcomePerNode(t *testing.T) {
	s := swarm.New[*fakeClient]()
	a := &fakeClient{id: "a", data: []map[string]string{{"name": "ether1"}}}
	b := &fakeClient{id: "b", data: []map[string]string{{"name": "ether2"}}}
	s.Add("a", a)
	s.Add("b", b)

	outcomes := s.Broadcast(context.Background(), "/interface/print", nil)
	require.Len(t, outcomes, 2)

	byID := make(map[string]swarm.Outcome, 2)
	for _, o := range outcomes {
		byID[o.NodeID] = o
	}
	require.True(t, byID["a"].Success)
	require.True(t, byID["b"].Success)
	require.Equal(t, int32(1), a.calls.Load())
	require.Equal(t, int32(1), b.calls.Load())
}

func TestBroadcastOneFailureDoesNotAbortOthers(t *testing.T) {
	boom := errors.New("boom")
	s := swarm.New[*fakeClient]()
	s.Add("a", &fakeClient{id: "a", failWith: boom})
	good := &fakeClient{id: "b"}
	s.Add("b", good)

	outcomes := s.Broadcast(context.Background(), "/interface/print", nil)
	require.Len(t, outcomes, 2)

	byID := make(map[string]swarm.Outcome, 2)
	for _, o := range outcomes {
		byID[o.NodeID] = o
	}
	require.False(t, byID["a"].Success)
	require.ErrorIs(t, byID["a"].Err, boom)
	require.True(t, byID["b"].Success)
	require.Equal(t, int32(1), good.calls.Load())
}

func TestMulticastOnlyDispatchesToNamedNodes(t *testing.T) {
	s := swarm.New[*fakeClient]()
	a := &fakeClient{id: "a"}
	b := &fakeClient{id: "b"}
	c := &fakeClient{id: "c"}
	s.Add("a", a)
	s.Add("b", b)
	s.Add("c", c)

	outcomes := s.Multicast(context.Background(), []string{"a", "c"}, "/interface/print", nil)
	require.Len(t, outcomes, 2)
	require.Equal(t, int32(1), a.calls.Load())
	require.Equal(t, int32(0), b.calls.Load())
	require.Equal(t, int32(1), c.calls.Load())
}

func TestMulticastUnknownNodeYieldsFailedOutcome(t *testing.T) {
	s := swarm.New[*fakeClient]()
	s.Add("a", &fakeClient{id: "a"})

	outcomes := s.Multicast(context.Background(), []string{"a", "ghost"}, "/interface/print", nil)
	require.Len(t, outcomes, 2)

	byID := make(map[string]swarm.Outcome, 2)
	for _, o := range outcomes {
		byID[o.NodeID] = o
	}
	require.True(t, byID["a"].Success)
	require.False(t, byID["ghost"].Success)
	require.Error(t, byID["ghost"].Err)
}

func TestAddRemoveLen(t *testing.T) {
	s := swarm.New[*fakeClient]()
	require.Equal(t, 0, s.Len())
	s.Add("a", &fakeClient{id: "a"})
	s.Add("b", &fakeClient{id: "b"})
	require.Equal(t, 2, s.Len())
	s.Remove("a")
	require.Equal(t, 1, s.Len())
}
