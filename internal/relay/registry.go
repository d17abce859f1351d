package relay

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrOperatorRegistered = errors.New("relay: operator already registered")
	ErrRegistryFull       = errors.New("relay: operator registry full")
)

// Operator is one registered operator binding.
type Operator struct {
	ID           string
	RemoteAddr   string
	RegisteredAt time.Time
	Delivered    uint64
	Rejected     uint64

	session *operatorSession
}

// OperatorStatus is the read-only view published to the admin surface.
type OperatorStatus struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	RegisteredAt time.Time `json:"registered_at"`
	Delivered    uint64    `json:"delivered"`
	Rejected     uint64    `json:"rejected"`
	Pending      int       `json:"pending"`
}

// OperatorRegistry binds operator ids to live sessions. It is owned by the relay loop
// and is not safe for concurrent use.
type OperatorRegistry struct {
	max  int
	byID map[string]*Operator
}

func NewOperatorRegistry(max int) *OperatorRegistry {
	return &OperatorRegistry{
		max:  max,
		byID: make(map[string]*Operator),
	}
}

func (r *OperatorRegistry) register(id string, s *operatorSession, now time.Time) (*Operator, error) {
	if _, ok := r.byID[id]; ok {
		return nil, ErrOperatorRegistered
	}
	if len(r.byID) >= r.max {
		return nil, ErrRegistryFull
	}
	op := &Operator{
		ID:           id,
		RegisteredAt: now,
		session:      s,
	}
	if s != nil && s.conn != nil {
		op.RemoteAddr = s.remote
	}
	r.byID[id] = op
	return op, nil
}

// Lookup returns the operator bound to id.
func (r *OperatorRegistry) Lookup(id string) (*Operator, bool) {
	op, ok := r.byID[id]
	return op, ok
}

// remove deletes id only while it is still bound to s.
func (r *OperatorRegistry) remove(id string, s *operatorSession) bool {
	op, ok := r.byID[id]
	if !ok || op.session != s {
		return false
	}
	delete(r.byID, id)
	return true
}

func (r *OperatorRegistry) Len() int {
	return len(r.byID)
}

func (r *OperatorRegistry) Max() int {
	return r.max
}

func (r *OperatorRegistry) Full() bool {
	return len(r.byID) >= r.max
}

// IDs returns registered ids in sorted order.
func (r *OperatorRegistry) IDs() []string {
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *OperatorRegistry) Snapshot() []OperatorStatus {
	out := make([]OperatorStatus, 0, len(r.byID))
	for _, id := range r.IDs() {
		op := r.byID[id]
		st := OperatorStatus{
			ID:           op.ID,
			RemoteAddr:   op.RemoteAddr,
			RegisteredAt: op.RegisteredAt,
			Delivered:    op.Delivered,
			Rejected:     op.Rejected,
		}
		if op.session != nil {
			st.Pending = len(op.session.queue)
		}
		out = append(out, st)
	}
	return out
}
