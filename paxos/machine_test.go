package paxos

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kthguru/ceph/wire"
)

// memStore is a minimal in-memory store.Store used only by these tests;
// store/filestore is exercised separately by its own package tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *memStore) Transact(writes map[string][]byte, deletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range deletes {
		delete(s.data, k)
	}
	for k, v := range writes {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	return nil
}

// mockTransport routes Send calls directly to peer Machines' Dispatch,
// grounded on the teacher's mockRaftClient, but modeling per-peer
// disconnection instead of a shared "disconnected" set keyed by server ID.
type mockTransport struct {
	mu           sync.Mutex
	machines     map[int]*Machine
	disconnected map[int]bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		machines:     make(map[int]*Machine),
		disconnected: make(map[int]bool),
	}
}

func (t *mockTransport) Send(ctx context.Context, toRank int, msg wire.Message) error {
	t.mu.Lock()
	if t.disconnected[toRank] {
		t.mu.Unlock()
		return context.DeadlineExceeded
	}
	m := t.machines[toRank]
	t.mu.Unlock()
	if m == nil {
		return nil
	}
	m.Dispatch(msg)
	return nil
}

func (t *mockTransport) disconnect(rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnected[rank] = true
}

func (t *mockTransport) reconnect(rank int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.disconnected, rank)
}

// mockElection counts CallElection invocations and, when onCall is set,
// invokes it on every call.
type mockElection struct {
	mu    sync.Mutex
	calls int
	onCall func()
}

func (e *mockElection) CallElection() {
	e.mu.Lock()
	e.calls++
	cb := e.onCall
	e.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (e *mockElection) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type testCluster struct {
	t         *testing.T
	transport *mockTransport
	machines  map[int]*Machine
	elections map[int]*mockElection
	cancel    context.CancelFunc
}

func newTestCluster(t *testing.T, size int, tune func(*Tunables)) *testCluster {
	transport := newMockTransport()
	tc := &testCluster{
		t:         t,
		transport: transport,
		machines:  make(map[int]*Machine),
		elections: make(map[int]*mockElection),
	}

	peerRanks := func(self int) []int {
		var ranks []int
		for r := 0; r < size; r++ {
			if r != self {
				ranks = append(ranks, r)
			}
		}
		return ranks
	}

	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel

	for rank := 0; rank < size; rank++ {
		cfg := Tunables{
			ProposeInterval:    100 * time.Millisecond,
			LeaseInterval:      300 * time.Millisecond,
			LeaseRenewInterval: 100 * time.Millisecond,
			ClockDriftAllowed:  time.Second,
			QuorumSize:         size,
			SelfRank:           rank,
			PeerRanks:          peerRanks(rank),
		}
		if tune != nil {
			tune(&cfg)
		}

		elec := &mockElection{}
		m, err := New(cfg, newMemStore(), transport, elec)
		require.NoError(t, err)

		tc.machines[rank] = m
		tc.elections[rank] = elec
		transport.machines[rank] = m

		go m.Run(ctx)
	}

	return tc
}

func (tc *testCluster) shutdown() {
	tc.cancel()
	for _, m := range tc.machines {
		m.Shutdown()
	}
}

func (tc *testCluster) waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestHappyPath_ThreeReplicaProposalCommits(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	defer tc.shutdown()

	tc.machines[0].LeaderInit()
	for rank := 1; rank < 3; rank++ {
		tc.machines[rank].PeonInit()
	}

	require.True(t, tc.waitFor(2*time.Second, tc.machines[0].IsWriteable))

	committed := make(chan uint64, 1)
	err := tc.machines[0].ProposeNewValue(context.Background(), wire.ProposeRequest{
		RequestID: wire.NewRequestID(),
		Value:     []byte("hello"),
	}, func(version uint64, err error) {
		require.NoError(t, err)
		committed <- version
	})
	require.NoError(t, err)

	select {
	case v := <-committed:
		require.Equal(t, uint64(1), v)
	case <-time.After(2 * time.Second):
		t.Fatal("propose never committed")
	}

	for rank := 0; rank < 3; rank++ {
		require.True(t, tc.waitFor(2*time.Second, func() bool {
			return tc.machines[rank].GetVersion() == 1
		}), "replica rank=%d never observed the committed version", rank)
	}
}

func TestLeaderLoss_NextLeaderRecoversUncommittedValue(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	defer tc.shutdown()

	tc.machines[0].LeaderInit()
	tc.machines[1].PeonInit()
	tc.machines[2].PeonInit()
	require.True(t, tc.waitFor(2*time.Second, tc.machines[0].IsWriteable))

	// Rank 1 ends up holding an accepted-but-uncommitted value, as if
	// rank 0 vanished mid-round: with ranks 0 and 2 disconnected, only
	// rank 1 receives rank 0's Begin, and its Accept reply is dropped.
	tc.transport.disconnect(0)
	tc.transport.disconnect(2) // only rank 1 will answer rank 0's (discarded) Begin

	_ = tc.machines[0].ProposeNewValue(context.Background(), wire.ProposeRequest{
		RequestID: wire.NewRequestID(),
		Value:     []byte("in-flight"),
	}, func(uint64, error) {})

	require.True(t, tc.waitFor(time.Second, func() bool {
		return tc.machines[1].acceptedPNFromSnapshot() != 0
	}))

	tc.transport.reconnect(0)
	tc.transport.reconnect(2)
	tc.transport.disconnect(0) // rank 0 stays gone; rank 1 becomes leader

	tc.machines[1].LeaderInit()
	tc.machines[2].PeonInit()

	require.True(t, tc.waitFor(2*time.Second, func() bool {
		return tc.machines[1].GetVersion() == 1
	}), "new leader should recover and commit the in-flight value")
}

func (m *Machine) acceptedPNFromSnapshot() ProposalNumber {
	var pn ProposalNumber
	m.exec(func() { pn = m.acceptedPNFrom })
	return pn
}

func TestMajorityNotQuorum_CommitsAndStillCallsElection(t *testing.T) {
	tc := newTestCluster(t, 5, func(cfg *Tunables) {
		cfg.ProposeInterval = 80 * time.Millisecond
	})
	defer tc.shutdown()

	tc.machines[0].LeaderInit()
	for rank := 1; rank < 5; rank++ {
		tc.machines[rank].PeonInit()
	}
	require.True(t, tc.waitFor(2*time.Second, tc.machines[0].IsWriteable))

	// Two of four peers never answer Begin, so accept_timeout fires even
	// though a majority (3 of 5, including self) already accepted.
	tc.transport.disconnect(3)
	tc.transport.disconnect(4)

	err := tc.machines[0].ProposeNewValue(context.Background(), wire.ProposeRequest{
		RequestID: wire.NewRequestID(),
		Value:     []byte("majority-only"),
	}, func(uint64, error) {})
	require.NoError(t, err)

	require.True(t, tc.waitFor(2*time.Second, func() bool {
		return tc.machines[0].GetVersion() == 1
	}), "value should still commit once a majority accepts")

	require.True(t, tc.waitFor(2*time.Second, func() bool {
		return tc.elections[0].count() > 0
	}), "accept_timeout should still call_election despite the earlier commit")
}

func TestLeaseExpiry_PeonCallsElection(t *testing.T) {
	tc := newTestCluster(t, 3, func(cfg *Tunables) {
		cfg.LeaseInterval = 150 * time.Millisecond
		cfg.LeaseRenewInterval = 50 * time.Millisecond
	})
	defer tc.shutdown()

	// Peons enter Recovering before the leader collects, so PeonInit's
	// cancel-all cannot discard the lease timer armed by the first Lease.
	tc.machines[1].PeonInit()
	tc.machines[2].PeonInit()
	tc.machines[0].LeaderInit()
	require.True(t, tc.waitFor(2*time.Second, tc.machines[0].IsWriteable))

	// sever rank 1 from the leader's lease renewals; it should time out
	// waiting on the leader and call_election on its own.
	tc.transport.disconnect(1)

	require.True(t, tc.waitFor(2*time.Second, func() bool {
		return tc.elections[1].count() > 0
	}), "peon should call_election after its lease expires with no renewal")
}

func TestCatchUp_LaggingPeerAppliesBundleOnCommit(t *testing.T) {
	tc := newTestCluster(t, 3, nil)
	defer tc.shutdown()

	tc.machines[0].LeaderInit()
	tc.machines[1].PeonInit()
	tc.machines[2].PeonInit()
	require.True(t, tc.waitFor(2*time.Second, tc.machines[0].IsWriteable))

	// rank 2 is offline for the first proposal.
	tc.transport.disconnect(2)

	done := make(chan struct{})
	err := tc.machines[0].ProposeNewValue(context.Background(), wire.ProposeRequest{
		RequestID: wire.NewRequestID(),
		Value:     []byte("v1"),
	}, func(uint64, error) { close(done) })
	require.NoError(t, err)
	<-done

	require.True(t, tc.waitFor(time.Second, func() bool { return tc.machines[1].GetVersion() == 1 }))

	// rank 2 comes back and a fresh election's Collect/Last exchange
	// (via buildBundle/applyBundle) should bring it to parity.
	tc.transport.reconnect(2)
	tc.machines[0].LeaderInit()
	tc.machines[2].PeonInit()

	require.True(t, tc.waitFor(2*time.Second, func() bool {
		return tc.machines[2].GetVersion() == 1
	}), "rank 2 should catch up to version 1 via the bundle in Last's reply")
}
