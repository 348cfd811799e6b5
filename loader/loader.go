// Package loader resolves `#include`/`#parse` template names to
// source text and cached parsed templates, sitting between the host
// application's storage and the runtime evaluator (spec §4.5).
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/go-airspeed/airspeed/parser"
)

// Loader is the interface the runtime evaluator resolves `#include`/`#parse`
// names against. LoadText returns raw source for `#include` (passthrough,
// never parsed); LoadTemplate returns a parsed, cacheable tree for
// `#parse` (spec §4.3: include is raw, parse shares the namespace).
type Loader interface {
	LoadText(name string) (string, error)
	LoadTemplate(name string) (*parser.TemplateNode, error)
}

// CacheStats reports cache performance, formatted with go-humanize for
// operator-facing introspection (SPEC_FULL.md supplemented feature).
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (s CacheStats) String() string {
	total := s.Hits + s.Misses
	var rate float64
	if total > 0 {
		rate = float64(s.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("hits=%s misses=%s size=%s hit_rate=%.1f%%",
		humanize.Comma(s.Hits), humanize.Comma(s.Misses), humanize.Comma(int64(s.Size)), rate)
}

// lruEntry is one node of the doubly-linked recency list backing
// CachingFileLoader's eviction, adapted from the teacher's LRUCache.
type lruEntry struct {
	name     string
	template *parser.TemplateNode
	modTime  time.Time
	prev     *lruEntry
	next     *lruEntry
}

// CachingFileLoader resolves template names against a root directory,
// rejecting any name that escapes it, and caches parsed templates keyed by
// name with least-recently-used eviction bounded by maxSize (spec §6
// cache_size). A cache entry is considered fresh as long as the backing
// file's mtime has not advanced past the mtime recorded when it was parsed (spec §4.5
// freshness check) — on a stale hit the loader reparses and replaces the
// entry. Concurrent LoadTemplate calls for the same uncached/stale name
// are coalesced through a singleflight.Group so exactly one parse happens
// (spec §8 loader-caching property).
type CachingFileLoader struct {
	root    string
	maxSize int

	mu      sync.Mutex
	entries map[string]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	hits    int64
	misses  int64

	group singleflight.Group
}

// NewCachingFileLoader builds a loader rooted at root. maxSize bounds the
// number of cached parsed templates (spec §6 cache_size); zero or negative
// means unbounded.
func NewCachingFileLoader(root string, maxSize int) *CachingFileLoader {
	l := &CachingFileLoader{
		root:    root,
		maxSize: maxSize,
		entries: make(map[string]*lruEntry),
	}
	l.head = &lruEntry{}
	l.tail = &lruEntry{}
	l.head.next = l.tail
	l.tail.prev = l.head
	return l
}

func (l *CachingFileLoader) resolve(name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", fmt.Errorf("loader: rejected path-traversal template name %q", name)
	}
	clean := filepath.Clean("/" + name)
	return filepath.Join(l.root, clean), nil
}

// LoadText reads and returns raw source, uncached, for `#include`.
func (l *CachingFileLoader) LoadText(name string) (string, error) {
	path, err := l.resolve(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("loader: %w", err)
	}
	return string(data), nil
}

// LoadTemplate returns a parsed template, serving a fresh cache entry when
// available and coalescing concurrent misses for the same name.
func (l *CachingFileLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	path, err := l.resolve(name)
	if err != nil {
		return nil, err
	}

	if tmpl, ok := l.lookupFresh(name, path); ok {
		return tmpl, nil
	}

	v, err, _ := l.group.Do(name, func() (any, error) {
		if tmpl, ok := l.lookupFresh(name, path); ok {
			return tmpl, nil
		}
		// One miss per load from disk; callers coalesced onto it are not counted.
		l.mu.Lock()
		l.misses++
		l.mu.Unlock()
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		stat, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("loader: %w", err)
		}
		tmpl, err := parser.Parse(name, string(data))
		if err != nil {
			return nil, err
		}
		l.store(name, tmpl, stat.ModTime())
		return tmpl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*parser.TemplateNode), nil
}

func (l *CachingFileLoader) lookupFresh(name, path string) (*parser.TemplateNode, bool) {
	l.mu.Lock()
	entry, ok := l.entries[name]
	if !ok {
		l.mu.Unlock()
		return nil, false
	}
	stat, err := os.Stat(path)
	if err != nil || stat.ModTime().After(entry.modTime) {
		l.mu.Unlock()
		return nil, false
	}
	l.moveToFront(entry)
	l.hits++
	tmpl := entry.template
	l.mu.Unlock()
	return tmpl, true
}

func (l *CachingFileLoader) store(name string, tmpl *parser.TemplateNode, modTime time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[name]; ok {
		existing.template = tmpl
		existing.modTime = modTime
		l.moveToFront(existing)
		return
	}

	entry := &lruEntry{name: name, template: tmpl, modTime: modTime}
	l.entries[name] = entry
	l.addToFront(entry)

	if l.maxSize > 0 {
		for len(l.entries) > l.maxSize {
			lru := l.tail.prev
			if lru == l.head {
				break
			}
			l.unlink(lru)
			delete(l.entries, lru.name)
		}
	}
}

func (l *CachingFileLoader) addToFront(e *lruEntry) {
	e.prev = l.head
	e.next = l.head.next
	l.head.next.prev = e
	l.head.next = e
}

func (l *CachingFileLoader) unlink(e *lruEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (l *CachingFileLoader) moveToFront(e *lruEntry) {
	l.unlink(e)
	l.addToFront(e)
}

// ClearCache drops all cached parsed templates.
func (l *CachingFileLoader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*lruEntry)
	l.head.next = l.tail
	l.tail.prev = l.head
	l.hits, l.misses = 0, 0
}

// ListTemplates returns the names currently cached, most recently used
// first.
func (l *CachingFileLoader) ListTemplates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.entries))
	for e := l.head.next; e != l.tail; e = e.next {
		out = append(out, e.name)
	}
	return out
}

// GetCacheStats reports cache hit/miss/size counters.
func (l *CachingFileLoader) GetCacheStats() CacheStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return CacheStats{Hits: l.hits, Misses: l.misses, Size: len(l.entries)}
}
