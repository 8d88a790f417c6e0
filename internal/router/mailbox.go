package router

import (
	"context"
	"sync"
	"time"

	"mycel/internal/types"
)

// Mailbox is the in-process delivery fan-out: one bounded FIFO per
// recipient. When a queue is full the oldest nutrient is dropped, because
// fresh knowledge outranks stale knowledge and nutrients expire anyway.
type Mailbox struct {
	mu       sync.Mutex
	queues   map[string][]*types.Nutrient
	capacity int
}

// NewMailbox builds a mailbox with the given per-recipient capacity.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 100
	}
	return &Mailbox{queues: make(map[string][]*types.Nutrient), capacity: capacity}
}

func mailboxKey(tenantID, agentID string) string { return tenantID + "/" + agentID }

// Deliver implements Deliverer.
func (m *Mailbox) Deliver(_ context.Context, tenantID, dst string, n *types.Nutrient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mailboxKey(tenantID, dst)
	q := m.queues[key]
	if len(q) >= m.capacity {
		q = q[1:]
	}
	m.queues[key] = append(q, n)
	return nil
}

// Drain pops up to max pending nutrients for an agent, oldest first.
// Nutrients that expired while queued are discarded during the drain.
func (m *Mailbox) Drain(tenantID, agentID string, max int, now time.Time) []*types.Nutrient {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mailboxKey(tenantID, agentID)
	q := m.queues[key]

	out := make([]*types.Nutrient, 0, max)
	i := 0
	for ; i < len(q); i++ {
		if max > 0 && len(out) >= max {
			break
		}
		if q[i].Expired(now) {
			continue
		}
		out = append(out, q[i])
	}
	rest := q[i:]
	if len(rest) == 0 {
		delete(m.queues, key)
	} else {
		m.queues[key] = rest
	}
	return out
}

// Pending reports the queue depth for one agent.
func (m *Mailbox) Pending(tenantID, agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[mailboxKey(tenantID, agentID)])
}
