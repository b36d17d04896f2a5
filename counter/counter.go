// Package counter is a replicated-by-leadership counter: only the node the
// ledger names as leader may increment it, and every increment is logged.
package counter

import (
	"errors"
	"sync"
	"time"

	"github.com/ruteri/tee-cluster-node/interfaces"
)

var ErrNotLeader = errors.New("only the leader can increment the counter")

// LeaderSource reports the current leadership snapshot.
type LeaderSource interface {
	GetLeaderState() interfaces.LeaderState
}

// Operation is one entry of the counter log. ID is its 1-based position.
type Operation struct {
	ID        int                `json:"operation_id"`
	Timestamp time.Time          `json:"timestamp"`
	Operation string             `json:"operation"`
	NewValue  uint64             `json:"new_value"`
	Leader    interfaces.Address `json:"leader"`
}

type Service struct {
	leader LeaderSource
	self   interfaces.Address

	mu    sync.RWMutex
	value uint64
	log   []Operation
}

func NewService(leader LeaderSource, self interfaces.Address) *Service {
	return &Service{
		leader: leader,
		self:   self,
	}
}

// Increment adds one to the counter if this node is the leader.
func (s *Service) Increment(now time.Time) (Operation, error) {
	if !s.leader.GetLeaderState().IsLocalLeader {
		return Operation{}, ErrNotLeader
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.value++
	op := Operation{
		ID:        len(s.log) + 1,
		Timestamp: now,
		Operation: "increment",
		NewValue:  s.value,
		Leader:    s.self,
	}
	s.log = append(s.log, op)
	return op, nil
}

func (s *Service) Value() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Log returns a copy of the operation log.
func (s *Service) Log() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Operation(nil), s.log...)
}
