package airspeed

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/go-airspeed/airspeed/loader"
	"github.com/go-airspeed/airspeed/parser"
	"github.com/go-airspeed/airspeed/runtime"
)

// Engine holds the four configuration options recognized on the
// engine/template boundary (spec §6) plus a file loader built from them,
// and parses templates sharing those defaults.
type Engine struct {
	StrictReferences bool   `yaml:"strict_references"`
	StrictMath       bool   `yaml:"strict_math"`
	CacheSize        int    `yaml:"cache_size"`
	TemplateRoot     string `yaml:"template_root"`

	fileLoader *loader.CachingFileLoader
}

// NewEngine returns an Engine with spec-default options: non-strict
// references and math, unbounded cache.
func NewEngine() *Engine {
	return &Engine{}
}

// LoadEngineConfig reads an Engine's options from a YAML document at path.
func LoadEngineConfig(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("airspeed: reading engine config: %w", err)
	}
	var e Engine
	if err := yaml.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("airspeed: parsing engine config: %w", err)
	}
	return &e, nil
}

// Loader returns the engine's file loader, building it the first time it
// is needed from TemplateRoot/CacheSize. Returns nil if TemplateRoot was
// never set, in which case templates must not reference #include/#parse,
// or the host must supply its own Loader directly to Merge/MergeTo.
func (e *Engine) Loader() loader.Loader {
	if e.TemplateRoot == "" {
		return nil
	}
	if e.fileLoader == nil {
		e.fileLoader = loader.NewCachingFileLoader(e.TemplateRoot, e.CacheSize)
	}
	return e.fileLoader
}

// Parse compiles source using the engine's configured options.
func (e *Engine) Parse(name, source string) (*Template, error) {
	return Parse(name, source,
		WithStrictReferences(e.StrictReferences),
		WithStrictMath(e.StrictMath),
	)
}

// ParseFile loads and compiles a template by name through the engine's
// file loader.
func (e *Engine) ParseFile(name string) (*Template, error) {
	ld := e.Loader()
	if ld == nil {
		return nil, fmt.Errorf("airspeed: engine has no template_root configured")
	}
	ast, err := ld.LoadTemplate(name)
	if err != nil {
		var se *parser.SyntaxError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, classify(&runtime.NotFoundError{Name: name})
	}
	return &Template{
		name: name,
		ast:  ast,
		opts: runtime.Options{StrictReferences: e.StrictReferences, StrictMath: e.StrictMath},
	}, nil
}
