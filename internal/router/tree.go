package router

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when no key in the tree prefixes the queried key.
	ErrNotFound = errors.New("router: no matching key")
	// ErrIncompatible is returned when a key shares no prefix relation with the root.
	ErrIncompatible = errors.New("router: key is incompatible with the tree root")
	// ErrCannotDeleteRoot is returned by Delete for the root key.
	ErrCannotDeleteRoot = errors.New("router: cannot delete the root key")
)

const noNode = -1

// node is one arena slot. Parent and child links are indices into
// Tree.nodes.
type node[V any] struct {
	key      string
	value    V
	parent   int
	children []int
}

// Tree is a prefix tree answering longest-prefix lookups. Every node's key is
// a prefix of its descendants' keys and the root holds the most general key.
//
// Siblings are never merged: a later key that would make two siblings
// prefix-compatible is attached beneath the first matching path only, so
// insertion order determines structure.
//
// A Tree is not safe for concurrent mutation. Concurrent Lookups are fine
// once the tree is built.
type Tree[V any] struct {
	nodes []node[V]
	free  []int
	root  int
	size  int
}

// NewTree returns an empty tree.
func NewTree[V any]() *Tree[V] {
	return &Tree[V]{root: noNode}
}

// contains reports whether node i's key is a non-strict prefix of key.
func (t *Tree[V]) contains(i int, key string) bool {
	return i != noNode && strings.HasPrefix(key, t.nodes[i].key)
}

// deepest walks from the root through the first child that still prefixes
// key and returns the last node reached, or noNode if the root does not
// contain key.
func (t *Tree[V]) deepest(key string) int {
	if !t.contains(t.root, key) {
		return noNode
	}
	cur := t.root
	for {
		next := noNode
		for _, c := range t.nodes[cur].children {
			if t.contains(c, key) {
				next = c
				break
			}
		}
		if next == noNode {
			return cur
		}
		cur = next
	}
}

func (t *Tree[V]) alloc(key string, value V, parent int) int {
	n := node[V]{key: key, value: value, parent: parent}
	t.size++
	if l := len(t.free); l > 0 {
		i := t.free[l-1]
		t.free = t.free[:l-1]
		t.nodes[i] = n
		return i
	}
	t.nodes = append(t.nodes, n)
	return len(t.nodes) - 1
}

// Len returns the number of keys in the tree.
func (t *Tree[V]) Len() int { return t.size }

// Contains reports whether some key in the tree prefixes key.
func (t *Tree[V]) Contains(key string) bool {
	return t.contains(t.root, key)
}

// Lookup returns the value bound to the longest key that prefixes key.
func (t *Tree[V]) Lookup(key string) (V, error) {
	i := t.deepest(key)
	if i == noNode {
		var zero V
		return zero, ErrNotFound
	}
	return t.nodes[i].value, nil
}

// Insert binds value to key. An existing exact key is overwritten. A key
// that is a prefix of the current root becomes the new root, with the old
// root as its only child.
func (t *Tree[V]) Insert(key string, value V) error {
	if t.root == noNode {
		t.root = t.alloc(key, value, noNode)
		return nil
	}

	if at := t.deepest(key); at != noNode {
		if t.nodes[at].key == key {
			t.nodes[at].value = value
			return nil
		}
		child := t.alloc(key, value, at)
		t.nodes[at].children = append(t.nodes[at].children, child)
		return nil
	}

	if strings.HasPrefix(t.nodes[t.root].key, key) {
		old := t.root
		t.root = t.alloc(key, value, noNode)
		t.nodes[t.root].children = []int{old}
		t.nodes[old].parent = t.root
		return nil
	}
	return ErrIncompatible
}

// Delete removes the exact key. Its children move up to its parent, taking
// its place among the parent's children.
func (t *Tree[V]) Delete(key string) error {
	i := t.deepest(key)
	if i == noNode || t.nodes[i].key != key {
		return ErrNotFound
	}
	parent := t.nodes[i].parent
	if parent == noNode {
		return ErrCannotDeleteRoot
	}

	siblings := t.nodes[parent].children
	merged := make([]int, 0, len(siblings)-1+len(t.nodes[i].children))
	for _, s := range siblings {
		if s != i {
			merged = append(merged, s)
			continue
		}
		for _, c := range t.nodes[i].children {
			t.nodes[c].parent = parent
			merged = append(merged, c)
		}
	}
	t.nodes[parent].children = merged

	t.nodes[i] = node[V]{}
	t.free = append(t.free, i)
	t.size--
	return nil
}

// Walk visits every key in depth-first pre-order, children in insertion
// order. It stops early when fn returns false.
func (t *Tree[V]) Walk(fn func(key string, value V, depth int) bool) {
	if t.root == noNode {
		return
	}
	var visit func(i, depth int) bool
	visit = func(i, depth int) bool {
		n := &t.nodes[i]
		if !fn(n.key, n.value, depth) {
			return false
		}
		for _, c := range n.children {
			if !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.root, 0)
}
