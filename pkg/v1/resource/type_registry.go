package resource

import (
	"fmt"
	"strings"
	"sync"
)

// typeNode is one token level of the pattern trie.
type typeNode[F any] struct {
	nodes   map[string]*typeNode[F]
	pwc     *typeNode[F] // "*": exactly one token
	fwc     *typeNode[F] // ">": one or more trailing tokens
	factory F
	set     bool
}

// typeRegistry maps resource ID patterns to factories.
//
// Patterns are dot separated. A "*" token matches any single token and a
// trailing ">" matches the rest of the ID. When several patterns match, the
// more specific token wins, compared left to right: a literal token beats
// "*", which beats ">". Thread-safe.
type typeRegistry[F any] struct {
	mu             sync.RWMutex
	root           typeNode[F]
	defaultFactory F
}

func newTypeRegistry[F any](defaultFactory F) *typeRegistry[F] {
	return &typeRegistry[F]{defaultFactory: defaultFactory}
}

// Register binds factory to pattern.
func (r *typeRegistry[F]) Register(pattern string, factory F) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := &r.root
	tokens := strings.Split(pattern, ".")
	for i, t := range tokens {
		if t == "" {
			return fmt.Errorf("%w %q: empty token", ErrInvalidPattern, pattern)
		}
		switch t {
		case ">":
			if i != len(tokens)-1 {
				return fmt.Errorf("%w %q: \">\" must be the last token", ErrInvalidPattern, pattern)
			}
			if n.fwc == nil {
				n.fwc = &typeNode[F]{}
			}
			n = n.fwc
		case "*":
			if n.pwc == nil {
				n.pwc = &typeNode[F]{}
			}
			n = n.pwc
		default:
			if n.nodes == nil {
				n.nodes = make(map[string]*typeNode[F])
			}
			next := n.nodes[t]
			if next == nil {
				next = &typeNode[F]{}
				n.nodes[t] = next
			}
			n = next
		}
	}
	if n.set {
		return fmt.Errorf("%w: %q", ErrPatternRegistered, pattern)
	}
	n.factory, n.set = factory, true
	return nil
}

// Unregister removes the factory bound to pattern and returns it.
func (r *typeRegistry[F]) Unregister(pattern string) (F, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero F
	n := &r.root
	for _, t := range strings.Split(pattern, ".") {
		switch t {
		case ">":
			n = n.fwc
		case "*":
			n = n.pwc
		default:
			n = n.nodes[t]
		}
		if n == nil {
			return zero, false
		}
	}
	if !n.set {
		return zero, false
	}
	f := n.factory
	n.factory, n.set = zero, false
	return f, true
}

// Lookup returns the factory for rid, or the default factory if no pattern
// matches. Any query part of rid is ignored.
func (r *typeRegistry[F]) Lookup(rid string) F {
	if i := strings.IndexByte(rid, '?'); i >= 0 {
		rid = rid[:i]
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if f, ok := r.match(strings.Split(rid, "."), 0, &r.root); ok {
		return f
	}
	return r.defaultFactory
}

func (r *typeRegistry[F]) match(tokens []string, i int, n *typeNode[F]) (F, bool) {
	t := tokens[i]
	last := i == len(tokens)-1
	for _, next := range []*typeNode[F]{n.nodes[t], n.pwc} {
		if next == nil {
			continue
		}
		if last {
			if next.set {
				return next.factory, true
			}
			continue
		}
		if f, ok := r.match(tokens, i+1, next); ok {
			return f, true
		}
	}
	if n.fwc != nil && n.fwc.set {
		return n.fwc.factory, true
	}
	var zero F
	return zero, false
}
