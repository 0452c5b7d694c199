package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrPoolExists is returned when creating a pool for an agent that has one.
var ErrPoolExists = errors.New("context pool already exists")

// Scratch is one agent's key/value working context. Safe for concurrent use.
type Scratch struct {
	mu        sync.RWMutex
	agentID   string
	items     map[string]any
	createdAt time.Time
}

// NewScratch creates an empty scratch space.
func NewScratch(agentID string) *Scratch {
	return &Scratch{agentID: agentID, items: make(map[string]any), createdAt: time.Now()}
}

// AgentID returns the owner.
func (s *Scratch) AgentID() string { return s.agentID }

// Add stores value under key, replacing any previous value.
func (s *Scratch) Add(key string, value any) {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Lookup is a typed Get.
func Lookup[T any](s *Scratch, key string) (T, bool) {
	var zero T
	v, ok := s.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Clear drops every item.
func (s *Scratch) Clear() {
	s.mu.Lock()
	s.items = make(map[string]any)
	s.mu.Unlock()
}

// Len returns the item count.
func (s *Scratch) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns the stored keys, sorted.
func (s *Scratch) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Tokens estimates the prompt cost of the stored values.
func (s *Scratch) Tokens() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, v := range s.items {
		switch x := v.(type) {
		case string:
			total += EstimateTokens(x)
		case Message:
			total += EstimateTokens(x.Content) + messageOverhead
		case []string:
			for _, item := range x {
				total += EstimateTokens(item)
			}
		case fmt.Stringer:
			total += EstimateTokens(x.String())
		default:
			total += EstimateTokens(fmt.Sprint(x))
		}
	}
	return total
}

// PoolInfo describes one registered scratch space.
type PoolInfo struct {
	AgentID   string    `json:"agentId"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pool registers scratch spaces by agent id.
type Pool struct {
	mu    sync.RWMutex
	pools map[string]*Scratch
}

// NewPool creates an empty registry.
func NewPool() *Pool {
	return &Pool{pools: make(map[string]*Scratch)}
}

// Create registers a new scratch space for agentID.
func (p *Pool) Create(agentID string) (*Scratch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pools[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolExists, agentID)
	}
	s := NewScratch(agentID)
	p.pools[agentID] = s
	return s, nil
}

// Get returns the scratch space for agentID.
func (p *Pool) Get(agentID string) (*Scratch, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.pools[agentID]
	return s, ok
}

// Destroy removes the scratch space for agentID.
func (p *Pool) Destroy(agentID string) {
	p.mu.Lock()
	delete(p.pools, agentID)
	p.mu.Unlock()
}

// Size is the token estimate for agentID, 0 when unknown.
func (p *Pool) Size(agentID string) int {
	s, ok := p.Get(agentID)
	if !ok {
		return 0
	}
	return s.Tokens()
}

// List describes every registered scratch space, oldest first.
func (p *Pool) List() []PoolInfo {
	p.mu.RLock()
	all := make([]*Scratch, 0, len(p.pools))
	for _, s := range p.pools {
		all = append(all, s)
	}
	p.mu.RUnlock()

	out := make([]PoolInfo, 0, len(all))
	for _, s := range all {
		out = append(out, PoolInfo{AgentID: s.agentID, Size: s.Tokens(), CreatedAt: s.createdAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
