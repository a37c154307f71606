package paxos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kthguru/ceph/store"
	"github.com/kthguru/ceph/wire"
)

// errMachineClosed is returned by execCtx when the Machine has shut down.
var errMachineClosed = errors.New("paxos: machine closed")

// Machine is the single-threaded cooperative task of spec.md §5: one
// goroutine owns the entire state machine, fed by three event sources —
// message receipt, timer fires, and service calls — each serviced to
// completion before the next is started. This generalizes the teacher's
// Server.run() select loop (which arbitrates only election-timer vs.
// shutdown) to the five Paxos event kinds, and is why Machine carries no
// mutex: nothing outside the event loop ever touches its fields.
type Machine struct {
	cfg       Tunables
	store     store.Store
	transport Transport
	election  ElectionHost
	clock     Clock
	logger    *log.Logger

	// persistent state, mirrored in memory; store is the durable source of truth.
	firstCommitted uint64
	lastCommitted  uint64
	acceptedPN     ProposalNumber
	acceptedPNFrom ProposalNumber
	lastPN         ProposalNumber

	state    State
	isLeader bool

	round       leaderRound
	leaseExpire time.Time

	gate   gate
	timers *timerRegistry

	msgsIn     chan wire.Message
	cmds       chan func()
	timerFires chan timerFire
	done       chan struct{}
}

// New constructs a Machine from its durable store and collaborators. Call
// Run in its own goroutine before using any other method.
func New(cfg Tunables, st store.Store, tr Transport, election ElectionHost) (*Machine, error) {
	m := &Machine{
		cfg:        cfg,
		store:      st,
		transport:  tr,
		election:   election,
		clock:      systemClock{},
		logger:     log.New(log.Writer(), fmt.Sprintf("[paxos rank=%d] ", cfg.SelfRank), log.LstdFlags),
		state:      Recovering,
		round:      newLeaderRound(),
		msgsIn:     make(chan wire.Message, 64),
		cmds:       make(chan func()),
		timerFires: make(chan timerFire, 8),
		done:       make(chan struct{}),
	}
	m.timers = newTimerRegistry(m.timerFires, m.done)

	if err := m.restoreFromStore(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Machine) restoreFromStore() error {
	load := func(key string) (uint64, error) {
		raw, ok, err := m.store.Get(key)
		if err != nil || !ok {
			return 0, err
		}
		return decodeUint64(raw), nil
	}

	var err error
	if m.firstCommitted, err = load(store.KeyFirstCommitted); err != nil {
		return err
	}
	if m.lastCommitted, err = load(store.KeyLastCommitted); err != nil {
		return err
	}
	var pn uint64
	if pn, err = load(store.KeyAcceptedPN); err != nil {
		return err
	}
	m.acceptedPN = ProposalNumber(pn)
	if pn, err = load(store.KeyAcceptedPNFrom); err != nil {
		return err
	}
	m.acceptedPNFrom = ProposalNumber(pn)
	if pn, err = load(store.KeyLastPN); err != nil {
		return err
	}
	m.lastPN = ProposalNumber(pn)

	return nil
}

// Run drives the event loop until Shutdown is called or the context is
// cancelled. It must be called exactly once, in its own goroutine.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case msg := <-m.msgsIn:
			m.handleMessage(msg)
		case fire := <-m.timerFires:
			if m.timers.isCurrent(fire) {
				m.handleTimer(fire.kind)
			}
		case cmd := <-m.cmds:
			cmd()
		}
	}
}

// exec runs fn on the event-loop goroutine and blocks until it completes.
// It is the bridge every external-facing method uses to make its access
// to Machine state race-free without a mutex.
func (m *Machine) exec(fn func()) {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case m.cmds <- wrapped:
		<-done
	case <-m.done:
	}
}

// execCtx is exec's context-aware counterpart: if ctx is cancelled before
// fn has run, execCtx returns ctx.Err() without fn ever executing, but if
// fn has already started it still runs to completion on the event loop.
func (m *Machine) execCtx(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case m.cmds <- wrapped:
	case <-m.done:
		return errMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) logf(format string, args ...interface{}) {
	m.logger.Printf(format, args...)
}

// SetElectionHost attaches the election subsystem after construction, so
// the election layer can itself be built from this Machine's
// LeaderInit/PeonInit methods without a construction-order cycle. The
// Machine's event loop must already be running (Run) when this is
// called.
func (m *Machine) SetElectionHost(host ElectionHost) {
	m.exec(func() { m.election = host })
}

// Dispatch delivers a message received from the transport layer into the
// event loop (Control API). Messages from a single peer arrive via the
// same channel in FIFO order, matching spec.md §5's per-peer ordering
// guarantee; there is no ordering guarantee across peers.
func (m *Machine) Dispatch(msg wire.Message) {
	select {
	case m.msgsIn <- msg:
	case <-m.done:
	}
}

// Shutdown stops the event loop. Queued waiters are discarded, per
// spec.md §5's cancellation policy.
func (m *Machine) Shutdown() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Machine) handleMessage(msg wire.Message) {
	switch msg.Header.Kind {
	case wire.KindCollect:
		m.handleCollect(msg)
	case wire.KindLast:
		m.handleLast(msg)
	case wire.KindBegin:
		m.handleBegin(msg)
	case wire.KindAccept:
		m.handleAccept(msg)
	case wire.KindCommit:
		m.handleCommit(msg)
	case wire.KindLease:
		m.handleLease(msg)
	case wire.KindLeaseAck:
		m.handleLeaseAck(msg)
	default:
		m.logf("dropping message with unknown kind %d from rank %d", msg.Header.Kind, msg.Header.SenderRank)
	}
}

func (m *Machine) handleTimer(kind timerKind) {
	switch kind {
	case timerCollect:
		m.collectTimeout()
	case timerAccept:
		m.acceptTimeout()
	case timerLeaseRenew:
		m.leaseRenewTimeout()
	case timerLeaseAckTimeout:
		m.leaseAckTimeout()
	case timerLeaseTimeout:
		m.leaseTimeout()
	}
}

func (m *Machine) send(toRank int, msg wire.Message) {
	msg.Header.SenderRank = int32(m.cfg.SelfRank)
	msg.Header.FirstCommitted = m.firstCommitted
	msg.Header.LastCommitted = m.lastCommitted
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProposeInterval)
	defer cancel()
	if err := m.transport.Send(ctx, toRank, msg); err != nil {
		m.logf("send %s to rank %d failed: %v", msg.Header.Kind, toRank, err)
	}
}

func (m *Machine) broadcast(msg wire.Message) {
	for _, peer := range m.cfg.PeerRanks {
		m.send(peer, msg)
	}
}

func (m *Machine) callElection() {
	m.timers.cancelAll()
	if m.election != nil {
		m.election.CallElection()
	}
}

func (m *Machine) now() time.Time {
	return m.clock.Now()
}
