// Package leader elects the single server instance that runs the escrow
// release sweep and replicates a record of every sweep.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Elector reports whether this process may run leader-only work.
type Elector interface {
	IsLeader() bool
}

// Sweep is one completed run of the release scheduler.
type Sweep struct {
	NodeID   string    `json:"nodeId"`
	At       time.Time `json:"at"`
	Released int       `json:"released"`
}

// Config defines one Raft node runtime.
type Config struct {
	NodeID         string
	RaftAddr       string
	DataDir        string
	Bootstrap      bool
	Peers          map[string]string
	SnapshotRetain int
	ApplyTimeout   time.Duration
}

// Node wraps Raft and the replicated sweep log.
type Node struct {
	id           string
	raftAddr     string
	applyTimeout time.Duration

	raft      *raft.Raft
	transport *raft.NetworkTransport
	fsm       *fsm
}

func (c Config) normalized() (Config, error) {
	c.NodeID = strings.TrimSpace(c.NodeID)
	c.RaftAddr = strings.TrimSpace(c.RaftAddr)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.NodeID == "" {
		return c, errors.New("node_id is required")
	}
	if c.RaftAddr == "" {
		return c, errors.New("raft_addr is required")
	}
	if c.DataDir == "" {
		return c, errors.New("data_dir is required")
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = 2
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	return c, nil
}

// NewNode creates a Raft node. With Bootstrap set, a fresh data dir forms a
// cluster of this node plus Peers (node id to raft address).
func NewNode(cfg Config) (*Node, error) {
	cfg, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	machine := &fsm{}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.bolt"))
	if err != nil {
		return nil, err
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.bolt"))
	if err != nil {
		return nil, err
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, cfg.SnapshotRetain, os.Stderr)
	if err != nil {
		return nil, err
	}
	transport, err := raft.NewTCPTransport(cfg.RaftAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, err
	}
	localAddr := transport.LocalAddr()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	r, err := raft.NewRaft(raftCfg, machine, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	n := &Node{
		id:           cfg.NodeID,
		raftAddr:     string(localAddr),
		applyTimeout: cfg.ApplyTimeout,
		raft:         r,
		transport:    transport,
		fsm:          machine,
	}

	if cfg.Bootstrap {
		hasState, err := raft.HasExistingState(logStore, stableStore, snapshotStore)
		if err != nil {
			return nil, err
		}
		if !hasState {
			servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: localAddr}}
			for id, addr := range cfg.Peers {
				if id != cfg.NodeID {
					servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
				}
			}
			future := r.BootstrapCluster(raft.Configuration{Servers: servers})
			if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
				return nil, err
			}
		}
	}

	return n, nil
}

// RecordSweep replicates s through Raft. Only the leader may record.
func (n *Node) RecordSweep(ctx context.Context, s Sweep) error {
	if s.NodeID == "" {
		s.NodeID = n.id
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	future := n.raft.Apply(data, n.timeout(ctx, n.applyTimeout))
	if err := future.Error(); err != nil {
		return err
	}
	if applyErr, ok := future.Response().(error); ok && applyErr != nil {
		return applyErr
	}
	return nil
}

// LastSweep returns the most recent replicated sweep, if any.
func (n *Node) LastSweep() (Sweep, bool) {
	return n.fsm.last()
}

func (n *Node) timeout(ctx context.Context, max time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < max {
			return remaining
		}
	}
	return max
}

// WaitForLeader waits until any leader is elected.
func (n *Node) WaitForLeader(ctx context.Context, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if leader := n.LeaderAddr(); leader != "" {
			return leader, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (n *Node) ID() string         { return n.id }
func (n *Node) RaftAddr() string   { return n.raftAddr }
func (n *Node) IsLeader() bool     { return n.raft.State() == raft.Leader }
func (n *Node) LeaderAddr() string { return strings.TrimSpace(string(n.raft.Leader())) }
func (n *Node) State() string      { return n.raft.State().String() }

// Shutdown stops Raft and transport.
func (n *Node) Shutdown() error {
	var shutdownErr error
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			shutdownErr = err
		}
	}
	if n.transport != nil {
		_ = n.transport.Close()
	}
	return shutdownErr
}

// fsm keeps the latest sweep.
type fsm struct {
	mu    sync.RWMutex
	sweep *Sweep
}

func (f *fsm) last() (Sweep, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.sweep == nil {
		return Sweep{}, false
	}
	return *f.sweep, true
}

func (f *fsm) Apply(log *raft.Log) interface{} {
	var s Sweep
	if err := json.Unmarshal(log.Data, &s); err != nil {
		return fmt.Errorf("decode sweep: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep = &s
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.sweep == nil {
		return &fsmSnapshot{}, nil
	}
	data, err := json.Marshal(f.sweep)
	if err != nil {
		return nil, err
	}
	return &fsmSnapshot{data: data}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) == 0 {
		f.sweep = nil
		return nil
	}
	var s Sweep
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	f.sweep = &s
	return nil
}

type fsmSnapshot struct {
	data []byte
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if len(s.data) == 0 {
		return sink.Close()
	}
	if _, err := sink.Write(s.data); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
