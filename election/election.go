// Package election provides a minimal leader-election subsystem for the
// Paxos core to sit on top of, grounded on the teacher's randomized
// election-timer/heartbeat mechanism (raft-server/server_elections.go)
// but trimmed to what paxos.ElectionHost actually needs: a single
// leader_init/peon_init signal per epoch, with no log/term bookkeeping
// of its own, since Paxos already owns proposal ordering.
package election

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Callbacks is the pair of signals the Paxos core reacts to, per
// spec.md §1: it is told who is leader (LeaderInit/PeonInit) and it may
// ask for a fresh election (CallElection, satisfying paxos.ElectionHost).
type Callbacks struct {
	LeaderInit func()
	PeonInit   func()
}

// Elector runs a randomized-timeout, heartbeat-driven election among a
// fixed set of ranks: whichever replica's timer fires first campaigns by
// asking every peer to yield, and a peer yields when it recognizes no
// leader yet, when the campaign's epoch is at least its own, or when the
// campaigner's rank is not higher than its current leader's (a simple static tiebreak,
// since Paxos's own proposal numbers — not the election layer — are
// what need a true tiebreak under contention).
type Elector struct {
	selfRank  int
	peerAddrs map[int]string
	client    *http.Client
	cb        Callbacks

	mu             sync.Mutex
	epoch          uint64
	leaderRank     int
	haveLeader     bool
	electionTimer  *time.Timer
	heartbeatTimer *time.Ticker
	done           chan struct{}
}

const (
	heartbeatInterval    = 250 * time.Millisecond
	electionTimeoutFloor = 600 * time.Millisecond
	electionTimeoutJiter = 600
)

// New builds an Elector for selfRank among the given rank→address peers.
func New(selfRank int, peerAddrs map[int]string, cb Callbacks) *Elector {
	return &Elector{
		selfRank:  selfRank,
		peerAddrs: peerAddrs,
		client:    &http.Client{Timeout: 200 * time.Millisecond},
		cb:        cb,
		done:      make(chan struct{}),
	}
}

// Start begins listening for the election timeout; call exactly once.
func (e *Elector) Start() {
	e.resetElectionTimer()
}

// Stop tears down the elector's timers.
func (e *Elector) Stop() {
	close(e.done)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	if e.heartbeatTimer != nil {
		e.heartbeatTimer.Stop()
	}
}

// CallElection implements paxos.ElectionHost: the core asked for a fresh
// leader because liveness failed. Campaign immediately.
func (e *Elector) CallElection() {
	go e.campaign()
}

func (e *Elector) resetElectionTimer() {
	timeout := electionTimeoutFloor + time.Duration(rand.Intn(electionTimeoutJiter))*time.Millisecond

	e.mu.Lock()
	if e.electionTimer != nil {
		e.electionTimer.Stop()
	}
	e.electionTimer = time.AfterFunc(timeout, func() {
		select {
		case <-e.done:
			return
		default:
		}
		e.campaign()
	})
	e.mu.Unlock()
}

// campaign asks every peer to recognize this rank as leader for a new
// epoch. Each peer grants by HandleElect's rules; the campaign wins with
// grants from a majority, counting its own vote.
func (e *Elector) campaign() {
	e.mu.Lock()
	e.epoch++
	epoch := e.epoch
	e.mu.Unlock()

	grants := 1 // vote for self
	var mu sync.Mutex
	var wg sync.WaitGroup

	for rank, addr := range e.peerAddrs {
		wg.Add(1)
		go func(rank int, addr string) {
			defer wg.Done()
			if e.requestYield(addr, epoch) {
				mu.Lock()
				grants++
				mu.Unlock()
			}
		}(rank, addr)
	}
	wg.Wait()

	if grants < e.majority() {
		e.resetElectionTimer()
		return
	}

	e.mu.Lock()
	if epoch != e.epoch {
		e.mu.Unlock()
		return // superseded by a later campaign while this one was in flight.
	}
	e.haveLeader = true
	e.leaderRank = e.selfRank
	e.mu.Unlock()

	e.cb.LeaderInit()
	e.startHeartbeats(epoch)
}

func (e *Elector) majority() int {
	return (len(e.peerAddrs)+1)/2 + 1
}

func (e *Elector) requestYield(addr string, epoch uint64) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/elect?rank=%d&epoch=%d", addr, e.selfRank, epoch)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (e *Elector) startHeartbeats(epoch uint64) {
	e.mu.Lock()
	if e.heartbeatTimer != nil {
		e.heartbeatTimer.Stop()
	}
	e.heartbeatTimer = time.NewTicker(heartbeatInterval)
	ticker := e.heartbeatTimer
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-e.done:
				return
			case <-ticker.C:
				e.mu.Lock()
				current := e.epoch
				e.mu.Unlock()
				if current != epoch {
					return
				}
				for _, addr := range e.peerAddrs {
					go e.requestYield(addr, epoch)
				}
			}
		}
	}()
}

// HandleElect implements the peer-facing side of campaign/heartbeat: a
// candidate or incumbent leader at candidateRank asks this replica to
// recognize it for epoch. Grant when this replica recognizes no leader
// yet, when epoch is at least its own, or when candidateRank is not worse
// than the leader it currently recognizes, resetting the election
// timeout either way (a request from any live peer is itself a liveness
// signal).
func (e *Elector) HandleElect(candidateRank int, epoch uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	grant := !e.haveLeader || epoch >= e.epoch || candidateRank <= e.leaderRank
	if grant {
		wasLeader := e.haveLeader && e.leaderRank == e.selfRank
		e.haveLeader = true
		e.leaderRank = candidateRank
		e.epoch = epoch
		if candidateRank != e.selfRank && wasLeader {
			if e.heartbeatTimer != nil {
				e.heartbeatTimer.Stop()
			}
		}
	}

	go e.resetElectionTimer()
	if grant && candidateRank != e.selfRank {
		go e.cb.PeonInit()
	}
	return grant
}

// RegisterHandler wires the /elect endpoint peers use to campaign and
// send heartbeats onto mux.
func (e *Elector) RegisterHandler(mux *http.ServeMux) {
	mux.HandleFunc("/elect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var rank int
		var epoch uint64
		if _, err := fmt.Sscanf(r.URL.Query().Get("rank"), "%d", &rank); err != nil {
			http.Error(w, "invalid rank", http.StatusBadRequest)
			return
		}
		if _, err := fmt.Sscanf(r.URL.Query().Get("epoch"), "%d", &epoch); err != nil {
			http.Error(w, "invalid epoch", http.StatusBadRequest)
			return
		}

		if e.HandleElect(rank, epoch) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusConflict)
	})
}
