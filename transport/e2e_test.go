package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	docker_network "github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testMonitorNode is one containerized replica, grounded on the
// teacher's testRaftNode but driving the propose/read/status surface
// instead of command/health.
type testMonitorNode struct {
	rank      int
	container testcontainers.Container
	hostPort  string
}

func (n *testMonitorNode) status() (active, writeable bool, lastCommitted uint64, err error) {
	resp, err := http.Get(fmt.Sprintf("http://%s/status", n.hostPort))
	if err != nil {
		return false, false, 0, err
	}
	defer resp.Body.Close()

	var body struct {
		Active        bool   `json:"active"`
		Writeable     bool   `json:"writeable"`
		LastCommitted uint64 `json:"last_committed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, false, 0, err
	}
	return body.Active, body.Writeable, body.LastCommitted, nil
}

func (n *testMonitorNode) propose(value string) error {
	resp, err := http.Post(
		fmt.Sprintf("http://%s/propose", n.hostPort),
		"application/json",
		strings.NewReader(fmt.Sprintf(`{"value":%q}`, value)),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("propose failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

type testMonitorCluster struct {
	t       *testing.T
	ctx     context.Context
	nodes   []*testMonitorNode
	network *testcontainers.DockerNetwork
}

func newE2ETestCluster(t *testing.T, ctx context.Context, size int) (*testMonitorCluster, error) {
	net, err := docker_network.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("start docker network: %w", err)
	}

	cluster := &testMonitorCluster{t: t, ctx: ctx, network: net}
	for rank := 0; rank < size; rank++ {
		node, err := cluster.startNode(rank, size)
		if err != nil {
			cluster.shutdown()
			return nil, fmt.Errorf("start node %d: %w", rank, err)
		}
		cluster.nodes = append(cluster.nodes, node)
	}
	return cluster, nil
}

func (c *testMonitorCluster) startNode(rank, size int) (*testMonitorNode, error) {
	configPath, err := writeNodeConfig(rank, size)
	if err != nil {
		return nil, fmt.Errorf("write config for rank %d: %w", rank, err)
	}

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "monitord:latest",
			Name:         fmt.Sprintf("monitor-node-%d", rank),
			ExposedPorts: []string{"8000/tcp"},
			Networks:     []string{c.network.Name},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      configPath,
				ContainerFilePath: "/etc/monitord/monitor.yaml",
				FileMode:          0o644,
			}},
			Cmd: []string{"--config", "/etc/monitord/monitor.yaml", "--port", "8000"},
			WaitingFor: wait.ForHTTP("/status").
				WithPort("8000/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	}

	container, err := testcontainers.GenericContainer(c.ctx, req)
	if err != nil {
		return nil, err
	}

	mapped, err := container.MappedPort(c.ctx, "8000")
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}
	host, err := container.Host(c.ctx)
	if err != nil {
		_ = container.Terminate(c.ctx)
		return nil, err
	}

	return &testMonitorNode{
		rank:      rank,
		container: container,
		hostPort:  fmt.Sprintf("%s:%s", host, mapped.Port()),
	}, nil
}

// writeNodeConfig renders the YAML document cmd/monitord expects via
// --config, addressing every quorum member by its container name on the
// shared docker network rather than a loopback port.
func writeNodeConfig(rank, size int) (string, error) {
	var members strings.Builder
	for r := 0; r < size; r++ {
		fmt.Fprintf(&members, "    - rank: %d\n      address: \"monitor-node-%d:8000\"\n", r, r)
	}

	doc := fmt.Sprintf(`node:
  rank: %d
  address: "monitor-node-%d:8000"
  data_dir: "/data"
quorum:
  members:
%stimers:
  propose_interval: 300ms
  lease_interval: 2s
  lease_renew_interval: 500ms
  clock_drift_allowed: 100ms
`, rank, rank, members.String())

	path := filepath.Join(os.TempDir(), fmt.Sprintf("monitord-e2e-rank-%d.yaml", rank))
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (c *testMonitorCluster) shutdown() {
	for _, node := range c.nodes {
		if node.container != nil {
			_ = node.container.Terminate(c.ctx)
		}
	}
	if c.network != nil {
		_ = c.network.Remove(c.ctx)
	}
}

func (c *testMonitorCluster) waitForWriteable(timeout time.Duration) (*testMonitorNode, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.nodes {
			_, writeable, _, err := node.status()
			if err == nil && writeable {
				return node, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no writeable replica within %s", timeout)
}

func TestE2E_ProposeReplicatesToQuorum(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	ctx := context.Background()
	const size = 3

	cluster, err := newE2ETestCluster(t, ctx, size)
	require.NoError(t, err)
	defer cluster.shutdown()

	leader, err := cluster.waitForWriteable(10 * time.Second)
	require.NoError(t, err)

	require.NoError(t, leader.propose("hello-monitors"))

	deadline := time.Now().Add(5 * time.Second)
	for _, node := range cluster.nodes {
		for {
			_, _, lastCommitted, err := node.status()
			require.NoError(t, err)
			if lastCommitted >= 1 {
				break
			}
			require.True(t, time.Now().Before(deadline), "replica rank=%d never observed the committed value", node.rank)
			time.Sleep(100 * time.Millisecond)
		}
	}
}
