// Package testutil provides fakes shared by switchboard tests: a
// controllable clock, a recording transport, and an in-memory directory.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
)

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Delivery is one call recorded by Transport.
type Delivery struct {
	Address string
	Text    string
}

// Transport records deliveries and fails for configured addresses.
type Transport struct {
	mu         sync.Mutex
	deliveries []Delivery
	failing    map[string]error
}

// NewTransport returns an empty recording transport.
func NewTransport() *Transport {
	return &Transport{failing: make(map[string]error)}
}

// Deliver records the delivery or returns the configured failure.
func (t *Transport) Deliver(ctx context.Context, address, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failing[address]; ok {
		return err
	}
	t.deliveries = append(t.deliveries, Delivery{Address: address, Text: text})
	return nil
}

// Fail makes deliveries to address fail. A nil err uses a generic failure.
func (t *Transport) Fail(address string, err error) {
	if err == nil {
		err = fmt.Errorf("address %s unreachable", address)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failing[address] = err
}

// Heal clears a failure set by Fail.
func (t *Transport) Heal(address string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failing, address)
}

// Deliveries returns a copy of all recorded deliveries.
func (t *Transport) Deliveries() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Delivery(nil), t.deliveries...)
}

// To returns the recorded deliveries for address.
func (t *Transport) To(address string) []Delivery {
	var out []Delivery
	for _, d := range t.Deliveries() {
		if d.Address == address {
			out = append(out, d)
		}
	}
	return out
}

// Directory maps agent ids to addresses in memory.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]string
}

// NewDirectory creates a directory where each listed agent's address is
// "pane:<id>".
func NewDirectory(agentIDs ...string) *Directory {
	d := &Directory{agents: make(map[string]string)}
	for _, id := range agentIDs {
		d.agents[id] = "pane:" + id
	}
	return d
}

// Address returns the address NewDirectory assigns to agentID.
func Address(agentID string) string {
	return "pane:" + agentID
}

// Set registers or replaces an agent's address.
func (d *Directory) Set(agentID, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID] = address
}

// Resolve returns the agent's address or a NotFoundError.
func (d *Directory) Resolve(agentID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.agents[agentID]
	if !ok {
		return "", errors.NewNotFoundError("agent", agentID)
	}
	return addr, nil
}

// ListAgents returns all agent ids, sorted.
func (d *Directory) ListAgents() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.agents))
	for id := range d.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
