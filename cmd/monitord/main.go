package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/kthguru/ceph/config"
	"github.com/kthguru/ceph/election"
	"github.com/kthguru/ceph/paxos"
	"github.com/kthguru/ceph/store/filestore"
	"github.com/kthguru/ceph/transport"
)

func main() {
	configPath := flag.String("config", "", "path to the replica's YAML configuration file")
	port := flag.String("port", "", "HTTP port to listen on (overrides the config's node.address port)")
	flag.Parse()

	if *configPath == "" {
		log.Fatal("--config must be provided")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data directory: %v", err)
	}

	st, err := filestore.Open(filepath.Join(cfg.Node.DataDir, "monitor.db"))
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	client := transport.NewClient(cfg.PeerAddresses(), cfg.Timers.ProposeInterval)

	tunables := paxos.Tunables{
		ProposeInterval:    cfg.Timers.ProposeInterval,
		LeaseInterval:      cfg.Timers.LeaseInterval,
		LeaseRenewInterval: cfg.Timers.LeaseRenewInterval,
		ClockDriftAllowed:  cfg.Timers.ClockDriftAllowed,
		QuorumSize:         cfg.QuorumSize(),
		SelfRank:           cfg.SelfRank(),
		PeerRanks:          cfg.PeerRanks(),
	}

	machine, err := paxos.New(tunables, st, client, nil)
	if err != nil {
		log.Fatalf("failed to initialize paxos machine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go machine.Run(ctx)

	peerAddrs := cfg.PeerAddresses()
	delete(peerAddrs, cfg.SelfRank())
	elector := election.New(cfg.SelfRank(), peerAddrs, election.Callbacks{
		LeaderInit: machine.LeaderInit,
		PeonInit:   machine.PeonInit,
	})
	machine.SetElectionHost(elector)
	elector.Start()
	defer elector.Stop()

	mux := http.NewServeMux()
	transport.NewHandler(machine).RegisterHandlers(mux)
	elector.RegisterHandler(mux)

	listenPort := *port
	if listenPort == "" {
		_, listenPort, err = net.SplitHostPort(cfg.Node.Address)
		if err != nil {
			log.Fatalf("failed to parse node.address %q: %v", cfg.Node.Address, err)
		}
	}

	httpServer := &http.Server{Addr: fmt.Sprintf(":%s", listenPort), Handler: mux}

	go func() {
		log.Printf("monitor rank=%d listening on %s", cfg.SelfRank(), httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	cancel()
	machine.Shutdown()
	_ = httpServer.Shutdown(context.Background())
}

