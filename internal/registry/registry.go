// Package registry maps agent ids to transport addresses. It implements
// mailbox.Directory.
//
// Static holds a fixed set of agents. File reads agents.yaml from the
// shared state directory on every lookup, so an agent registered by
// another process is visible immediately:
//
//	agents:
//	  - id: agent-a
//	    address: "work:1.0"
//	  - id: agent-b
//	    address: "work:1.1"
package registry

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/switchboard/internal/errors"
	"github.com/Iron-Ham/switchboard/internal/mailbox"
)

// Agent is one directory entry.
type Agent struct {
	ID         string    `yaml:"id"`
	Address    string    `yaml:"address"`
	Registered time.Time `yaml:"registered,omitempty"`
}

var (
	_ mailbox.Directory = (*Static)(nil)
	_ mailbox.Directory = (*File)(nil)
)

// Static is an in-memory directory.
type Static struct {
	mu     sync.RWMutex
	agents map[string]string
}

// NewStatic creates a directory from id → address pairs.
func NewStatic(agents map[string]string) *Static {
	return &Static{agents: maps.Clone(agents)}
}

// Register adds or replaces an agent.
func (s *Static) Register(id, address string) error {
	if err := validateAgent(id, address); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agents == nil {
		s.agents = make(map[string]string)
	}
	s.agents[id] = address
	return nil
}

// Resolve implements mailbox.Directory.
func (s *Static) Resolve(agentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.agents[agentID]
	if !ok {
		return "", errors.NewNotFoundError("agent", agentID)
	}
	return addr, nil
}

// ListAgents implements mailbox.Directory.
func (s *Static) ListAgents() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.agents)), nil
}

func validateAgent(id, address string) error {
	if err := mailbox.ValidateAgentID(id); err != nil {
		return err
	}
	if address == "" {
		return errors.NewValidationError("address cannot be empty").WithField("address")
	}
	return nil
}
