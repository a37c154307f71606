// Package transport implements paxos.Transport and the HTTP surface a
// monitor replica exposes to its peers, grounded on the teacher's
// RaftClient/HTTPHandler pair but carrying the binary wire.Message codec
// instead of per-RPC JSON structs.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kthguru/ceph/wire"
)

// Client implements paxos.Transport over HTTP, posting the encoded
// message to the peer's /message endpoint.
type Client struct {
	// peerAddrs maps a replica's rank to its HTTP address, e.g.
	// {0: "localhost:8001", 1: "localhost:8002"}.
	peerAddrs  map[int]string
	httpClient *http.Client
}

// NewClient builds a Client that dials the given rank→address map.
func NewClient(peerAddrs map[int]string, dialTimeout time.Duration) *Client {
	return &Client{
		peerAddrs: peerAddrs,
		httpClient: &http.Client{
			Timeout: dialTimeout,
		},
	}
}

// Send implements paxos.Transport: encode msg and POST it to the peer at
// toRank. Per spec.md §1, the transport is allowed to be lossy — a
// failed send is logged by the caller and simply dropped, never retried
// here; Paxos's own timeouts are what drive retransmission.
func (c *Client) Send(ctx context.Context, toRank int, msg wire.Message) error {
	addr, ok := c.peerAddrs[toRank]
	if !ok {
		return fmt.Errorf("transport: no address known for rank %d", toRank)
	}

	body, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode message: %w", err)
	}

	url := fmt.Sprintf("http://%s/message", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: post to rank %d (%s): %w", toRank, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transport: rank %d (%s) returned status %d", toRank, addr, resp.StatusCode)
	}
	return nil
}
