// Package airspeed implements the Velocity-derived template language
// described by the engine spec: a reference-and-directive syntax over a
// bean-accessor Value Protocol, evaluated by a tree-walking interpreter.
package airspeed

import (
	"bytes"
	"io"
	"sync"

	"github.com/go-airspeed/airspeed/loader"
	"github.com/go-airspeed/airspeed/parser"
	"github.com/go-airspeed/airspeed/runtime"
)

// Template is a parsed, immutable document (spec §6 Template API). Once
// built it holds no reference to its source Loader and is safe for
// concurrent Merge/MergeTo calls, each of which gets its own Namespace and
// output sink.
type Template struct {
	name   string
	source string
	ast    *parser.TemplateNode
	opts   runtime.Options
}

// Option configures a Template at parse time.
type Option func(*runtime.Options)

// WithStrictReferences makes an undefined non-quiet reference raise
// TemplateExecutionError instead of rendering its literal source form.
func WithStrictReferences(enabled bool) Option {
	return func(o *runtime.Options) { o.StrictReferences = enabled }
}

// WithStrictMath makes arithmetic on Null raise instead of treating it as
// zero.
func WithStrictMath(enabled bool) Option {
	return func(o *runtime.Options) { o.StrictMath = enabled }
}

// Parse compiles source into a Template. name identifies the template in
// error messages; it may be empty.
func Parse(name, source string, opts ...Option) (*Template, error) {
	ast, err := parser.Parse(name, source)
	if err != nil {
		return nil, classify(err)
	}
	var o runtime.Options
	for _, opt := range opts {
		opt(&o)
	}
	return &Template{name: name, source: source, ast: ast, opts: o}, nil
}

// Name returns the template's display name.
func (t *Template) Name() string { return t.name }

// Source returns the original template text.
func (t *Template) Source() string { return t.source }

var bufferPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Merge renders the template against namespace and returns the result as a
// string. ld resolves #include/#parse names and may be nil if the
// template makes no such references.
func (t *Template) Merge(namespace map[string]any, ld loader.Loader) (string, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := t.MergeTo(buf, namespace, ld); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// MergeTo renders the template, streaming output to sink as it is
// produced, without buffering the whole result in memory.
func (t *Template) MergeTo(sink io.Writer, namespace map[string]any, ld loader.Loader) error {
	ns := runtime.NewNamespace(namespace)
	var rl runtime.Loader
	if ld != nil {
		rl = ld
	}
	if err := runtime.Render(t.ast, ns, sink, t.opts, rl); err != nil {
		return classify(err)
	}
	return nil
}
