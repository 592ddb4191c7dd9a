package merkle

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStorer keeps nodes in process memory.
type MemoryStorer struct {
	mu       sync.RWMutex
	nodes    map[string]*Node
	children map[string]int
	order    []string
}

// NewMemoryStorer creates an empty in-memory store.
func NewMemoryStorer() *MemoryStorer {
	return &MemoryStorer{
		nodes:    make(map[string]*Node),
		children: make(map[string]int),
	}
}

func (m *MemoryStorer) Put(_ context.Context, node *Node) error {
	if node == nil {
		return errors.New("cannot store nil node")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[node.Hash]; ok {
		return nil
	}
	m.nodes[node.Hash] = node
	m.order = append(m.order, node.Hash)
	if node.ParentHash != nil {
		m.children[*node.ParentHash]++
	}
	return nil
}

func (m *MemoryStorer) Get(_ context.Context, hash string) (*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.nodes[hash]
	if !ok {
		return nil, ErrNotFound{Hash: hash}
	}
	return node, nil
}

func (m *MemoryStorer) Has(_ context.Context, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.nodes[hash]
	return ok, nil
}

func (m *MemoryStorer) List(_ context.Context) ([]*Node, error) {
	return m.filter(func(*Node) bool { return true }), nil
}

func (m *MemoryStorer) Roots(_ context.Context) ([]*Node, error) {
	return m.filter(func(n *Node) bool { return n.ParentHash == nil }), nil
}

func (m *MemoryStorer) Leaves(_ context.Context) ([]*Node, error) {
	return m.filter(func(n *Node) bool { return m.children[n.Hash] == 0 }), nil
}

func (m *MemoryStorer) Ancestry(ctx context.Context, hash string) ([]*Node, error) {
	return ancestry(ctx, hash, m.Get)
}

func (m *MemoryStorer) Close() error {
	return nil
}

// filter returns matching nodes in insertion order.
func (m *MemoryStorer) filter(keep func(*Node) bool) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.order))
	for _, h := range m.order {
		if n := m.nodes[h]; keep(n) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Bucket.CreatedAt.Before(out[j].Bucket.CreatedAt)
	})
	return out
}
