package tools

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Snapshot is an immutable view of the tools available at one point in time.
type Snapshot struct {
	tools  []Descriptor // sorted by name
	byName map[string]int
	// FetchedAt is when this content was first seen. A refresh returning the
	// same tools keeps the snapshot; see Registry.CheckedAt.
	FetchedAt time.Time
}

func newSnapshot(descs []Descriptor, fetchedAt time.Time) *Snapshot {
	s := &Snapshot{byName: make(map[string]int, len(descs)), FetchedAt: fetchedAt}
	for _, d := range descs {
		if _, dup := s.byName[d.Name]; dup {
			continue
		}
		s.byName[d.Name] = -1
		s.tools = append(s.tools, d)
	}
	slices.SortFunc(s.tools, func(a, b Descriptor) int { return strings.Compare(a.Name, b.Name) })
	for i, d := range s.tools {
		s.byName[d.Name] = i
	}
	return s
}

// Lookup returns the descriptor for name.
func (s *Snapshot) Lookup(name string) (Descriptor, bool) {
	if s == nil {
		return Descriptor{}, false
	}
	i, ok := s.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return s.tools[i], true
}

// Has reports whether name is a known tool.
func (s *Snapshot) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Descriptors returns the tools sorted by name.
func (s *Snapshot) Descriptors() []Descriptor {
	if s == nil {
		return nil
	}
	return slices.Clone(s.tools)
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// Equal compares tool content, ignoring fetch time.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Len() != o.Len() {
		return false
	}
	if s.Len() == 0 {
		return true
	}
	return slices.EqualFunc(s.tools, o.tools, func(a, b Descriptor) bool {
		return a.Name == b.Name && a.Description == b.Description && bytes.Equal(a.Schema, b.Schema)
	})
}

// Filter selects tools by doublestar glob. Patterns prefixed with "!"
// exclude; when no include pattern is given every tool is included.
type Filter struct {
	include []string
	exclude []string
}

// NewFilter validates patterns and builds a Filter.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		target := &f.include
		if strings.HasPrefix(p, "!") {
			p = p[1:]
			target = &f.exclude
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid tool pattern %q", p)
		}
		*target = append(*target, p)
	}
	return f, nil
}

// Allows reports whether the tool name passes the filter.
func (f *Filter) Allows(name string) bool {
	if f == nil {
		return true
	}
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, name); ok {
			return false
		}
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Registry caches the current tool snapshot. Readers never block and never
// observe a partially updated snapshot; Replace swaps the whole snapshot.
type Registry struct {
	current atomic.Pointer[Snapshot]
	checked atomic.Int64 // unix nanos of the last Replace
	filter  *Filter
	log     *slog.Logger
}

// NewRegistry creates an empty registry. filter may be nil.
func NewRegistry(filter *Filter, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{filter: filter, log: log.With("component", "registry")}
	r.current.Store(newSnapshot(nil, time.Time{}))
	return r
}

// Snapshot returns the current snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// CheckedAt returns when the tool list was last fetched, whether or not it
// changed. Zero before the first fetch.
func (r *Registry) CheckedAt() time.Time {
	n := r.checked.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Replace installs descs as the new snapshot, dropping filtered tools. When
// the content is unchanged the previous snapshot is kept and false returned.
func (r *Registry) Replace(descs []Descriptor) bool {
	kept := make([]Descriptor, 0, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			continue
		}
		if !r.filter.Allows(d.Name) {
			r.log.Debug("tool filtered out", "tool", d.Name)
			continue
		}
		kept = append(kept, d)
	}
	now := time.Now()
	r.checked.Store(now.UnixNano())
	next := newSnapshot(kept, now)
	prev := r.current.Load()
	if prev.Equal(next) && !prev.FetchedAt.IsZero() {
		return false
	}
	r.current.Store(next)
	r.log.Info("tool registry updated", "tools", next.Len(), "offered", len(descs))
	return true
}
