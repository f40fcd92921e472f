package reconcile

import "strings"

// DefaultCitationLimit bounds the citation set to the most recent distinct
// sources.
const DefaultCitationLimit = 8

// citationSet is a bounded, order-preserving set of source identifiers.
// First appearance fixes the position; once the bound is exceeded the oldest
// insertions are evicted first.
type citationSet struct {
	limit  int
	order  []string
	member map[string]struct{}
}

func newCitationSet(limit int) *citationSet {
	if limit <= 0 {
		limit = DefaultCitationLimit
	}
	return &citationSet{
		limit:  limit,
		member: make(map[string]struct{}),
	}
}

// merge folds a batch into the set per its invariants: dedup against the
// running set, append new identifiers in arrival order, truncate to the
// bound.
func (c *citationSet) merge(sources []string) {
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := c.member[s]; ok {
			continue
		}
		c.order = append(c.order, s)
		c.member[s] = struct{}{}
	}
	for len(c.order) > c.limit {
		evicted := c.order[0]
		c.order = c.order[1:]
		delete(c.member, evicted)
	}
}

func (c *citationSet) snapshot() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}
