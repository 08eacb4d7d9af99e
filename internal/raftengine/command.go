package raftengine

import (
	"sync"
	"time"
)

type Op string

const (
	OpAcquire Op = "acquire"
	OpRefresh Op = "refresh"
	OpRelease Op = "release"
)

// LockCommand is one replicated change to the lease table. Expiry is judged
// against the proposer's timestamp so every replica applies it identically.
type LockCommand struct {
	RequestID      string `json:"request_id"`
	Op             Op     `json:"op"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	TTLNs          int64  `json:"ttl_ns,omitempty"`
	TimestampUTCNs int64  `json:"timestamp_utc_ns"`
}

func (c *LockCommand) FillTimestamp() {
	if c.TimestampUTCNs == 0 {
		c.TimestampUTCNs = time.Now().UTC().UnixNano()
	}
}

type lease struct {
	owner     string
	expiresNs int64
}

// leaseTable is the replicated state machine: named leases with an owner and
// an expiry.
type leaseTable struct {
	mu     sync.Mutex
	leases map[string]lease
}

func newLeaseTable() *leaseTable {
	return &leaseTable{leases: make(map[string]lease)}
}

// apply executes cmd and reports whether it succeeded.
func (t *leaseTable) apply(cmd LockCommand) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.leases[cmd.Name]
	live := held && cur.expiresNs > cmd.TimestampUTCNs
	switch cmd.Op {
	case OpAcquire:
		if live && cur.owner != cmd.Owner {
			return false
		}
		t.leases[cmd.Name] = lease{owner: cmd.Owner, expiresNs: cmd.TimestampUTCNs + cmd.TTLNs}
		return true
	case OpRefresh:
		if !live || cur.owner != cmd.Owner {
			return false
		}
		t.leases[cmd.Name] = lease{owner: cmd.Owner, expiresNs: cmd.TimestampUTCNs + cmd.TTLNs}
		return true
	case OpRelease:
		if !held || cur.owner != cmd.Owner {
			return false
		}
		delete(t.leases, cmd.Name)
		return true
	default:
		return false
	}
}

// holder returns the live owner of name at nowNs.
func (t *leaseTable) holder(name string, nowNs int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[name]
	if !ok || cur.expiresNs <= nowNs {
		return "", false
	}
	return cur.owner, true
}
