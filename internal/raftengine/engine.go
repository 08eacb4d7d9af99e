package raftengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"routeflow/internal/logging"
)

var ErrNotLeader = errors.New("raft leader required")

type Config struct {
	NodeID              uint64
	Address             string
	PeerAddresses       map[uint64]string
	TickInterval        time.Duration
	ElectionTicks       int
	HeartbeatTicks      int
	MaxInflightMsgs     int
	MaxMessageSize      uint64
	Persistence         *Persistence
	BootstrapNewCluster bool
	Logger              hclog.Logger
}

// Persistence keeps the raft log of a node across engine restarts within
// one process.
type Persistence struct {
	storage *raft.MemoryStorage
}

func NewPersistence() *Persistence { return &Persistence{storage: raft.NewMemoryStorage()} }

// Engine replicates a lease table over one raft group.
type Engine struct {
	cfg       Config
	logger    hclog.Logger
	transport *tcpTransport
	node      raft.Node
	storage   *raft.MemoryStorage
	table     *leaseTable
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	waiters map[string]chan bool
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Persistence == nil {
		cfg.Persistence = NewPersistence()
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}
	if cfg.ElectionTicks == 0 {
		cfg.ElectionTicks = 10
	}
	if cfg.HeartbeatTicks == 0 {
		cfg.HeartbeatTicks = 1
	}
	if cfg.MaxInflightMsgs == 0 {
		cfg.MaxInflightMsgs = 256
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}
	logger := logging.OrNull(cfg.Logger).Named("raft").With("node", cfg.NodeID)

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		storage: cfg.Persistence.storage,
		table:   newLeaseTable(),
		stopCh:  make(chan struct{}),
		waiters: make(map[string]chan bool),
	}
	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTicks,
		HeartbeatTick:   cfg.HeartbeatTicks,
		Storage:         e.storage,
		MaxSizePerMsg:   cfg.MaxMessageSize,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          raftLogger{logger},
	}
	if cfg.BootstrapNewCluster {
		peers := make([]raft.Peer, 0, len(cfg.PeerAddresses))
		for id := range cfg.PeerAddresses {
			peers = append(peers, raft.Peer{ID: id})
		}
		e.node = raft.StartNode(rc, peers)
	} else {
		e.node = raft.RestartNode(rc)
	}
	t, err := newTCPTransport(cfg.NodeID, cfg.Address, cfg.PeerAddresses, logger, func(msg raftpb.Message) {
		_ = e.node.Step(context.Background(), msg)
	})
	if err != nil {
		e.node.Stop()
		return nil, err
	}
	e.transport = t
	return e, nil
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Engine) Stop() error {
	var err error
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.node.Stop()
		e.wg.Wait()
		err = e.transport.close()
	})
	return err
}

func (e *Engine) Leader() uint64 { return e.node.Status().Lead }

func (e *Engine) IsLeader() bool {
	return e.node.Status().RaftState == raft.StateLeader
}

// Holder returns the current owner of the named lease as seen by this
// replica.
func (e *Engine) Holder(name string) (string, bool) {
	return e.table.holder(name, time.Now().UTC().UnixNano())
}

// Propose replicates cmd and waits until it is applied locally. It reports
// whether the lease table accepted the command.
func (e *Engine) Propose(ctx context.Context, cmd LockCommand) (bool, error) {
	if !e.IsLeader() {
		return false, fmt.Errorf("%w: leader=%d", ErrNotLeader, e.Leader())
	}
	cmd.FillTimestamp()
	if cmd.RequestID == "" {
		cmd.RequestID = uuid.NewString()
	}
	b, err := json.Marshal(cmd)
	if err != nil {
		return false, err
	}
	done := make(chan bool, 1)
	e.mu.Lock()
	e.waiters[cmd.RequestID] = done
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.waiters, cmd.RequestID)
		e.mu.Unlock()
	}()

	if err := e.node.Propose(ctx, b); err != nil {
		return false, err
	}
	select {
	case ok := <-done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.stopCh:
		return false, errors.New("raft engine stopped")
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.node.Tick()
		case rd := <-e.node.Ready():
			if !raft.IsEmptySnap(rd.Snapshot) {
				_ = e.storage.ApplySnapshot(rd.Snapshot)
			}
			if !raft.IsEmptyHardState(rd.HardState) {
				_ = e.storage.SetHardState(rd.HardState)
			}
			_ = e.storage.Append(rd.Entries)
			for _, m := range rd.Messages {
				if err := e.transport.send(m.To, m); err != nil {
					e.logger.Trace("send failed", "to", m.To, "error", err)
				}
			}
			for _, ent := range rd.CommittedEntries {
				e.applyEntry(ent)
			}
			e.node.Advance()
		}
	}
}

func (e *Engine) applyEntry(ent raftpb.Entry) {
	if ent.Type == raftpb.EntryConfChange {
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(ent.Data); err == nil {
			e.node.ApplyConfChange(cc)
		}
		return
	}
	if ent.Type != raftpb.EntryNormal || len(ent.Data) == 0 {
		return
	}
	var cmd LockCommand
	if err := json.Unmarshal(ent.Data, &cmd); err != nil {
		e.logger.Warn("skipping undecodable entry", "index", ent.Index, "error", err)
		return
	}
	ok := e.table.apply(cmd)
	e.mu.Lock()
	done := e.waiters[cmd.RequestID]
	e.mu.Unlock()
	if done != nil {
		done <- ok
	}
}

// raftLogger routes raft's own logging into hclog.
type raftLogger struct {
	l hclog.Logger
}

func (r raftLogger) Debug(v ...any) {
	r.l.Debug(fmt.Sprint(v...))
}

func (r raftLogger) Debugf(format string, v ...any) {
	r.l.Debug(fmt.Sprintf(format, v...))
}

func (r raftLogger) Info(v ...any) {
	r.l.Debug(fmt.Sprint(v...))
}

func (r raftLogger) Infof(format string, v ...any) {
	r.l.Debug(fmt.Sprintf(format, v...))
}

func (r raftLogger) Warning(v ...any) {
	r.l.Warn(fmt.Sprint(v...))
}

func (r raftLogger) Warningf(format string, v ...any) {
	r.l.Warn(fmt.Sprintf(format, v...))
}

func (r raftLogger) Error(v ...any) {
	r.l.Error(fmt.Sprint(v...))
}

func (r raftLogger) Errorf(format string, v ...any) {
	r.l.Error(fmt.Sprintf(format, v...))
}

func (r raftLogger) Fatal(v ...any) {
	r.l.Error(fmt.Sprint(v...))
	os.Exit(1)
}

func (r raftLogger) Fatalf(format string, v ...any) {
	r.l.Error(fmt.Sprintf(format, v...))
	os.Exit(1)
}

func (r raftLogger) Panic(v ...any) {
	panic(fmt.Sprint(v...))
}

func (r raftLogger) Panicf(format string, v ...any) {
	panic(fmt.Sprintf(format, v...))
}
