package runtime

import "github.com/go-airspeed/airspeed/macros"

// frame is one level of name bindings, pushed by #foreach and macro calls.
type frame struct {
	vars map[string]any
}

func newFrame() *frame { return &frame{vars: make(map[string]any)} }

// Namespace is the ordered stack of frames a render walks: lookups search
// top to bottom, `Set` rebinds in the frame that already defines a name
// (else defines in the top frame), `SetLocal` always binds in the top
// frame. The frame supplied at construction (the caller's namespace map) is
// never mutated in place — Set on that root frame redirects into a
// shadowing frame pushed just above it, so rendering never observes a
// mutation of caller data except via explicit host method calls (spec §3).
type Namespace struct {
	frames []*frame
	macros *macros.Table
}

// NewNamespace builds a Namespace whose root frame is seeded from root
// (read, never mutated) with one shadowing local frame above it so that
// bare #set assignments never write back into the caller's map.
func NewNamespace(root map[string]any) *Namespace {
	base := newFrame()
	for k, v := range root {
		base.vars[k] = v
	}
	ns := &Namespace{frames: []*frame{base}, macros: macros.NewTable()}
	ns.Push()
	return ns
}

// Push introduces a new local frame (macro call, #foreach iteration).
func (ns *Namespace) Push() {
	ns.frames = append(ns.frames, newFrame())
}

// Pop discards the innermost frame. Callers must pair every Push with a
// Pop on every exit path, including error (spec §3 invariant).
func (ns *Namespace) Pop() {
	if len(ns.frames) > 1 {
		ns.frames = ns.frames[:len(ns.frames)-1]
	}
}

// Get searches frames top-down, returning Missing if no frame defines name.
func (ns *Namespace) Get(name string) any {
	for i := len(ns.frames) - 1; i >= 0; i-- {
		if v, ok := ns.frames[i].vars[name]; ok {
			return v
		}
	}
	return Missing
}

// Set implements the `#set` bare-name rule: rebind in the first frame
// (searching from the top) that already defines name, else define in the
// top (innermost) frame. A name defined only in the root frame is bound in
// the frame just above the root instead, shadowing it.
func (ns *Namespace) Set(name string, v any) {
	for i := len(ns.frames) - 1; i >= 0; i-- {
		if _, ok := ns.frames[i].vars[name]; ok {
			if i == 0 && len(ns.frames) > 1 {
				i = 1
			}
			ns.frames[i].vars[name] = v
			return
		}
	}
	top := ns.frames[len(ns.frames)-1]
	top.vars[name] = v
}

// SetLocal always binds in the innermost frame, used by #foreach and macro
// calls to introduce their own locals regardless of any same-named binding
// further up the chain.
func (ns *Namespace) SetLocal(name string, v any) {
	top := ns.frames[len(ns.frames)-1]
	top.vars[name] = v
}

// PushIsolated swaps in a fresh frame stack rooted at the original root
// frame plus one new local frame, hiding every binding the calling scope
// introduced (outer #set, enclosing #foreach locals) while still exposing
// the host-supplied root context. This is how macro calls get their
// hygiene (spec §8): a macro body sees the root context and its own
// parameters, never the caller's locals. Returns the saved stack for
// PopIsolated to restore.
func (ns *Namespace) PushIsolated() []*frame {
	saved := ns.frames
	ns.frames = []*frame{ns.frames[0], newFrame()}
	return saved
}

// PopIsolated restores the frame stack saved by PushIsolated.
func (ns *Namespace) PopIsolated(saved []*frame) {
	ns.frames = saved
}

// Macros returns the render-wide macro definition table.
func (ns *Namespace) Macros() *macros.Table { return ns.macros }

// LoopRecord is the implicit context object exposed inside #foreach as
// $velocityCount / $foreach, per spec §3. Its accessor methods are named
// for GetProperty's bean-accessor fallback (Get<Name>/Is<Name>) so
// `$foreach.count`, `$foreach.hasNext`, etc. resolve through the ordinary
// Value Protocol rather than a foreach-specific special case.
type LoopRecord struct {
	Count  int // 1-based
	Index  int // 0-based
	Total  int
	Parent *LoopRecord
}

func (l *LoopRecord) GetCount() int64     { return int64(l.Count) }
func (l *LoopRecord) GetIndex() int64     { return int64(l.Index) }
func (l *LoopRecord) IsHasNext() bool     { return l.Index < l.Total-1 }
func (l *LoopRecord) IsFirst() bool       { return l.Index == 0 }
func (l *LoopRecord) IsLast() bool        { return l.Index == l.Total-1 }
func (l *LoopRecord) GetParent() *LoopRecord { return l.Parent }
