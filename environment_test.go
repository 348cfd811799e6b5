package airspeed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine()
	assert.False(t, e.StrictReferences)
	assert.False(t, e.StrictMath)
	assert.Nil(t, e.Loader())
}

func TestLoadEngineConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
strict_references: true
strict_math: true
cache_size: 16
template_root: `+dir+"\n"), 0o644))

	e, err := LoadEngineConfig(cfgPath)
	require.NoError(t, err)
	assert.True(t, e.StrictReferences)
	assert.True(t, e.StrictMath)
	assert.Equal(t, 16, e.CacheSize)
	assert.Equal(t, dir, e.TemplateRoot)
}

func TestLoadEngineConfigMissingFile(t *testing.T) {
	_, err := LoadEngineConfig("/nonexistent/engine.yaml")
	require.Error(t, err)
}

func TestEngineLoaderLazyBuildAndCache(t *testing.T) {
	dir := t.TempDir()
	e := &Engine{TemplateRoot: dir, CacheSize: 8}
	l1 := e.Loader()
	require.NotNil(t, l1)
	l2 := e.Loader()
	assert.Same(t, l1, l2)
}

func TestEngineParseUsesConfiguredOptions(t *testing.T) {
	e := &Engine{StrictReferences: true}
	tmpl, err := e.Parse("t", "$missing")
	require.NoError(t, err)
	_, err = tmpl.Merge(nil, nil)
	require.Error(t, err)
	assert.True(t, IsExecutionError(err))
}

func TestEngineParseFileWithoutTemplateRootErrors(t *testing.T) {
	e := NewEngine()
	_, err := e.ParseFile("anything")
	require.Error(t, err)
}

func TestEngineParseFileLoadsFromTemplateRoot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeting.vm"), []byte("Hi $name"), 0o644))

	e := &Engine{TemplateRoot: dir}
	tmpl, err := e.ParseFile("greeting.vm")
	require.NoError(t, err)

	out, err := tmpl.Merge(map[string]any{"name": "there"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi there", out)
}

func TestEngineParseFileNotFoundIsClassified(t *testing.T) {
	dir := t.TempDir()
	e := &Engine{TemplateRoot: dir}
	_, err := e.ParseFile("missing.vm")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
