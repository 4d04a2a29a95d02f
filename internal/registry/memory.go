package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/makeasinger/musicgen/internal/model"
)

// Memory keeps active tasks in a map and moves finished ones into a bounded
// cache that expires them after a TTL.
type Memory struct {
	mu       sync.RWMutex
	active   map[string]*model.Task
	finished *expirable.LRU[string, *model.Task]
	now      func() time.Time
}

// NewMemory creates an in-process registry. maxTerminal <= 0 keeps every
// finished task until its TTL runs out; ttl <= 0 disables expiry.
func NewMemory(maxTerminal int, ttl time.Duration) *Memory {
	if maxTerminal < 0 {
		maxTerminal = 0
	}
	return &Memory{
		active:   make(map[string]*model.Task),
		finished: expirable.NewLRU[string, *model.Task](maxTerminal, nil, ttl),
		now:      time.Now,
	}
}

func (m *Memory) Create(_ context.Context) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	for m.exists(id) {
		id = uuid.New().String()
	}
	t := model.NewTask(id, m.now().UTC())
	m.active[id] = t
	return t.Clone(), nil
}

func (m *Memory) exists(id string) bool {
	if _, ok := m.active[id]; ok {
		return true
	}
	return m.finished.Contains(id)
}

func (m *Memory) Get(_ context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	t, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}
	if t, ok := m.finished.Get(id); ok {
		return t.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func (m *Memory) Update(_ context.Context, id string, fn Mutator) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.active[id]
	if !ok {
		if t, ok := m.finished.Peek(id); ok {
			return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, t.Status)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next, err := apply(prev, fn, m.now().UTC())
	if err != nil {
		return nil, err
	}

	if next.Status.IsTerminal() {
		delete(m.active, id)
		m.finished.Add(id, next)
	} else {
		m.active[id] = next
	}
	return next.Clone(), nil
}

// Len reports active and retained finished tasks.
func (m *Memory) Len() (active, finished int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active), m.finished.Len()
}
