package loader

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestCachingFileLoaderLoadsAndCaches(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "greet.vm", "hello $name")

	l := NewCachingFileLoader(dir, 10)

	tmpl, err := l.LoadTemplate("greet.vm")
	require.NoError(t, err)
	assert.Equal(t, "greet.vm", tmpl.Name)

	stats := l.GetCacheStats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	_, err = l.LoadTemplate("greet.vm")
	require.NoError(t, err)
	stats = l.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
}

func TestCachingFileLoaderRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	l := NewCachingFileLoader(dir, 10)

	_, err := l.LoadText("../../etc/passwd")
	require.Error(t, err)
}

func TestCachingFileLoaderReparsesOnStaleMtime(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "t.vm", "v1")
	l := NewCachingFileLoader(dir, 10)

	tmpl1, err := l.LoadTemplate("t.vm")
	require.NoError(t, err)
	text1 := tmpl1.Children[0]

	path := filepath.Join(dir, "t.vm")
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	tmpl2, err := l.LoadTemplate("t.vm")
	require.NoError(t, err)
	assert.NotSame(t, text1, tmpl2.Children[0])
}

func TestCachingFileLoaderEvictsLRU(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.vm", "a")
	writeTemplate(t, dir, "b.vm", "b")
	writeTemplate(t, dir, "c.vm", "c")

	l := NewCachingFileLoader(dir, 2)
	_, err := l.LoadTemplate("a.vm")
	require.NoError(t, err)
	_, err = l.LoadTemplate("b.vm")
	require.NoError(t, err)
	_, err = l.LoadTemplate("c.vm")
	require.NoError(t, err)

	names := l.ListTemplates()
	assert.Len(t, names, 2)
	assert.NotContains(t, names, "a.vm")
}

func TestCachingFileLoaderCoalescesConcurrentMisses(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "shared.vm", "shared content")
	l := NewCachingFileLoader(dir, 10)

	const n = 16
	var wg sync.WaitGroup
	var errs int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.LoadTemplate("shared.vm"); err != nil {
				atomic.AddInt32(&errs, 1)
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, errs)

	stats := l.GetCacheStats()
	assert.Equal(t, int64(1), stats.Misses, "concurrent misses for the same name must coalesce to a single parse")
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Hits: 3, Misses: 1, Size: 2}
	assert.Contains(t, s.String(), "hits=3")
	assert.Contains(t, s.String(), "hit_rate=75.0%")
}

func TestStringLoader(t *testing.T) {
	sl := NewStringLoader()
	sl.AddTemplate("greet.vm", "hi $name")

	tmpl, err := sl.LoadTemplate("greet.vm")
	require.NoError(t, err)
	assert.Equal(t, "greet.vm", tmpl.Name)

	_, err = sl.LoadTemplate("missing.vm")
	assert.Error(t, err)
}
