package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNamespaceGetFallsThroughToRoot(t *testing.T) {
	ns := NewNamespace(map[string]any{"a": int64(1)})
	assert.Equal(t, int64(1), ns.Get("a"))
}

func TestNamespaceGetMissingReturnsMissingSentinel(t *testing.T) {
	ns := NewNamespace(nil)
	assert.True(t, IsMissing(ns.Get("nope")))
}

func TestNamespaceSetRebindsExistingFrame(t *testing.T) {
	ns := NewNamespace(map[string]any{"a": int64(1)})
	ns.Set("a", int64(2))
	assert.Equal(t, int64(2), ns.Get("a"))
}

func TestNamespaceSetOnRootNeverMutatesCallerMap(t *testing.T) {
	root := map[string]any{"a": int64(1)}
	ns := NewNamespace(root)
	ns.Set("a", int64(99))
	assert.Equal(t, int64(1), root["a"])
	assert.Equal(t, int64(99), ns.Get("a"))
}

func TestNamespacePushPopScopesBindings(t *testing.T) {
	ns := NewNamespace(nil)
	ns.Push()
	ns.SetLocal("x", int64(1))
	assert.Equal(t, int64(1), ns.Get("x"))
	ns.Pop()
	assert.True(t, IsMissing(ns.Get("x")))
}

func TestNamespaceSetLocalShadowsOuterSameName(t *testing.T) {
	ns := NewNamespace(map[string]any{"x": "outer"})
	ns.Push()
	ns.SetLocal("x", "inner")
	assert.Equal(t, "inner", ns.Get("x"))
	ns.Pop()
	assert.Equal(t, "outer", ns.Get("x"))
}

func TestNamespacePushIsolatedHidesCallerLocals(t *testing.T) {
	ns := NewNamespace(map[string]any{"root": "r"})
	ns.Push()
	ns.SetLocal("caller", "secret")

	saved := ns.PushIsolated()
	assert.Equal(t, "r", ns.Get("root"))
	assert.True(t, IsMissing(ns.Get("caller")))
	ns.SetLocal("param", "p")
	assert.Equal(t, "p", ns.Get("param"))
	ns.PopIsolated(saved)

	assert.Equal(t, "secret", ns.Get("caller"))
	assert.True(t, IsMissing(ns.Get("param")))
}

func TestNamespacePopNeverEmptiesStack(t *testing.T) {
	ns := NewNamespace(nil)
	ns.Pop()
	ns.Pop()
	ns.Pop()
	ns.SetLocal("x", int64(1))
	assert.Equal(t, int64(1), ns.Get("x"))
}

func TestLoopRecordAccessors(t *testing.T) {
	parent := &LoopRecord{Count: 1, Index: 0, Total: 1}
	l := &LoopRecord{Count: 2, Index: 1, Total: 3, Parent: parent}
	assert.Equal(t, int64(2), l.GetCount())
	assert.Equal(t, int64(1), l.GetIndex())
	assert.True(t, l.IsHasNext())
	assert.False(t, l.IsFirst())
	assert.False(t, l.IsLast())
	assert.Same(t, parent, l.GetParent())
}

func TestLoopRecordLastElement(t *testing.T) {
	l := &LoopRecord{Count: 3, Index: 2, Total: 3}
	assert.False(t, l.IsHasNext())
	assert.True(t, l.IsLast())
}

func TestNamespaceMacrosReturnsSharedTable(t *testing.T) {
	ns := NewNamespace(nil)
	tbl := ns.Macros()
	assert.NotNil(t, tbl)
	assert.Same(t, tbl, ns.Macros())
}
