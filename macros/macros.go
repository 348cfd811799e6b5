// Package macros holds the render-wide macro definition table. Macro
// bodies capture nothing from their definition site (spec §4.3): at call
// time a fresh frame binds parameter names to the argument expressions'
// values evaluated in the caller's scope, never the definer's locals. This
// is why MacroTable stores only name/params/body — no captured scope,
// unlike a conventional closure.
package macros

import (
	"sync"

	"github.com/go-airspeed/airspeed/parser"
)

// Macro is a registered `#macro` definition.
type Macro struct {
	Name   string
	Params []string
	Body   []parser.Node
}

// Table is the render-wide table macro definitions are registered into as
// their `#macro` node is reached during rendering. Later redefinitions
// within the same render shadow earlier ones, observable at the next call
// site (spec §8 macro hygiene).
type Table struct {
	mu   sync.Mutex
	defs map[string]*Macro
}

func NewTable() *Table {
	return &Table{defs: make(map[string]*Macro)}
}

func (t *Table) Define(name string, params []string, body []parser.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.defs[name] = &Macro{Name: name, Params: params, Body: body}
}

func (t *Table) Lookup(name string) (*Macro, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.defs[name]
	return m, ok
}
