// Package mirror holds the mirror table and rewrites URLs onto alternate domains.
package mirror

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Defaults returns the built-in mirror table.
func Defaults() map[string][]string {
	return map[string][]string{
		"dni.gov":     {"defense.gov", "aaro.mil", "intelligence.gov"},
		"defense.gov": {"dni.gov", "aaro.mil"},
		"aaro.mil":    {"defense.gov", "dni.gov"},
		"nasa.gov":    {"science.nasa.gov", "ntrs.nasa.gov"},
		"arxiv.org":   {"export.arxiv.org", "arxiv-export-lb.library.cornell.edu"},
	}
}

// Table maps a canonical domain to an ordered list of alternate domains.
// It is safe for concurrent use; fetches read it while administrators update it.
type Table struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewTable builds a table from entries. Invalid entries are reported as an error.
func NewTable(entries map[string][]string) (*Table, error) {
	t := &Table{entries: make(map[string][]string, len(entries))}
	for domain, mirrors := range entries {
		if err := t.Set(domain, mirrors); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Set replaces the mirror list for a domain.
func (t *Table) Set(domain string, mirrors []string) error {
	key := normalizeDomain(domain)
	if key == "" {
		return fmt.Errorf("mirror domain is required")
	}
	clean := make([]string, 0, len(mirrors))
	seen := make(map[string]struct{}, len(mirrors))
	for _, m := range mirrors {
		m = normalizeDomain(m)
		if m == "" {
			return fmt.Errorf("empty mirror for %s", key)
		}
		if m == key {
			return fmt.Errorf("domain %s cannot mirror itself", key)
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		clean = append(clean, m)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = clean
	return nil
}

// Delete removes a domain. It reports whether the domain was present.
func (t *Table) Delete(domain string) bool {
	key := normalizeDomain(domain)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[key]; !ok {
		return false
	}
	delete(t.entries, key)
	return true
}

// Lookup returns the most specific table key matching host (the host itself or
// one of its parent domains) and a copy of its mirrors.
func (t *Table) Lookup(host string) (string, []string) {
	host = normalizeDomain(host)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for candidate := host; candidate != ""; candidate = parent(candidate) {
		if mirrors, ok := t.entries[candidate]; ok {
			return candidate, append([]string(nil), mirrors...)
		}
	}
	return "", nil
}

// Snapshot returns a deep copy of the table.
func (t *Table) Snapshot() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Domains returns the table keys in sorted order.
func (t *Table) Domains() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for k := range t.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func parent(host string) string {
	_, rest, ok := strings.Cut(host, ".")
	if !ok || !strings.Contains(rest, ".") {
		return ""
	}
	return rest
}
