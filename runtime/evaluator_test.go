package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-airspeed/airspeed/parser"
)

func render(t *testing.T, src string, root map[string]any, opts Options, ld Loader) string {
	t.Helper()
	tmpl, err := parser.Parse("t", src)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(root), &buf, opts, ld)
	require.NoError(t, err)
	return buf.String()
}

func TestTextFidelity(t *testing.T) {
	out := render(t, "Hello world, no markup here.", nil, Options{}, nil)
	assert.Equal(t, "Hello world, no markup here.", out)
}

func TestSimpleReference(t *testing.T) {
	out := render(t, "Hello $name!", map[string]any{"name": "world"}, Options{}, nil)
	assert.Equal(t, "Hello world!", out)
}

func TestIfElse(t *testing.T) {
	out := render(t, `#if($x > 2)big#{else}small#end`, map[string]any{"x": int64(3)}, Options{}, nil)
	assert.Equal(t, "big", out)

	out = render(t, `#if($x > 2)big#{else}small#end`, map[string]any{"x": int64(1)}, Options{}, nil)
	assert.Equal(t, "small", out)
}

func TestForeachFiltersOnNestedProperty(t *testing.T) {
	src := `#foreach($p in $ps)#if($p.age>70)$p.name #end#end`
	root := map[string]any{
		"ps": []any{
			map[string]any{"name": "A", "age": int64(100)},
			map[string]any{"name": "B", "age": int64(25)},
		},
	}
	out := render(t, src, root, Options{}, nil)
	assert.Equal(t, "A ", out)
}

func TestSetAndIndex(t *testing.T) {
	out := render(t, `#set($l=[1,2,3])$l[1]`, nil, Options{}, nil)
	assert.Equal(t, "2", out)
}

func TestMacroDefinitionAndCallTwice(t *testing.T) {
	out := render(t, `#macro(g $a)[$a]#end#g("x")#g(42)`, nil, Options{}, nil)
	assert.Equal(t, "[x][42]", out)
}

func TestEmptyForeachRendersNoBody(t *testing.T) {
	out := render(t, `#foreach($x in $items)$x#end`, map[string]any{"items": []any{}}, Options{}, nil)
	assert.Equal(t, "", out)
}

func TestForeachVelocityCountAndHasNext(t *testing.T) {
	src := `#foreach($x in $items)$velocityCount:$foreach.count:$foreach.hasNext #end`
	out := render(t, src, map[string]any{"items": []any{"a", "b"}}, Options{}, nil)
	assert.Equal(t, "1:1:true 2:2:false ", out)
}

func TestForeachFirstLastParent(t *testing.T) {
	src := `#foreach($o in $outer)#foreach($i in $o)${i}-${foreach.first}-${foreach.last}-$foreach.parent.count #end#end`
	root := map[string]any{"outer": []any{[]any{int64(1), int64(2)}}}
	out := render(t, src, root, Options{}, nil)
	assert.Equal(t, "1-true-false-1 2-false-true-1 ", out)
}

func TestStrictReferencesFalseRendersLiteral(t *testing.T) {
	out := render(t, `$missing`, nil, Options{StrictReferences: false}, nil)
	assert.Equal(t, "$missing", out)
}

func TestStrictReferencesTrueRaises(t *testing.T) {
	tmpl, err := parser.Parse("t", `$missing`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(nil), &buf, Options{StrictReferences: true}, nil)
	require.Error(t, err)
	var ee *ExecutionError
	require.ErrorAs(t, err, &ee)
}

func TestQuietReferenceAlwaysEmpty(t *testing.T) {
	out := render(t, `$!missing`, nil, Options{StrictReferences: true}, nil)
	assert.Equal(t, "", out)
}

func TestArithmeticIntegerTruncatesDivision(t *testing.T) {
	out := render(t, `#set($r=7/2)$r`, nil, Options{}, nil)
	assert.Equal(t, "3", out)
}

func TestArithmeticFloatPromotes(t *testing.T) {
	out := render(t, `#set($r=7/2.0)$r`, nil, Options{}, nil)
	assert.Equal(t, "3.5", out)
}

func TestArithmeticModFollowsDividendSign(t *testing.T) {
	out := render(t, `#set($r=-7%2)$r`, nil, Options{}, nil)
	assert.Equal(t, "-1", out)
}

func TestArithmeticDivisionByZeroErrors(t *testing.T) {
	tmpl, err := parser.Parse("t", `#set($r=1/0)$r`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(nil), &buf, Options{}, nil)
	require.Error(t, err)
}

func TestArithmeticNullCoercesWhenNotStrict(t *testing.T) {
	out := render(t, `#set($r=$x+1)$r`, map[string]any{"x": nil}, Options{StrictMath: false}, nil)
	assert.Equal(t, "1", out)
}

func TestArithmeticNullErrorsWhenStrict(t *testing.T) {
	tmpl, err := parser.Parse("t", `#set($r=$x+1)$r`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(map[string]any{"x": nil}), &buf, Options{StrictMath: true}, nil)
	require.Error(t, err)
}

func TestComparisonNullEqNull(t *testing.T) {
	out := render(t, `#if($a == $b)yes#{else}no#end`, map[string]any{"a": nil, "b": nil}, Options{}, nil)
	assert.Equal(t, "yes", out)
}

func TestComparisonUnlikeKindsFalse(t *testing.T) {
	out := render(t, `#if($a == $b)yes#{else}no#end`, map[string]any{"a": "1", "b": int64(1)}, Options{}, nil)
	assert.Equal(t, "no", out)
}

func TestComparisonNumericAcrossIntFloat(t *testing.T) {
	out := render(t, `#if($a == $b)yes#{else}no#end`, map[string]any{"a": int64(2), "b": 2.0}, Options{}, nil)
	assert.Equal(t, "yes", out)
}

func TestMacroDoesNotSeeCallerLocals(t *testing.T) {
	// $x is bound by #set in the caller's frame, which PushIsolated hides
	// from the macro body. Inside the macro $x is an undefined, non-quiet
	// reference, so under the default non-strict options it renders its
	// literal source form "$x" (same policy TestStrictReferencesFalseRendersLiteral
	// exercises at top level) rather than the caller's value 1.
	src := `#set($x=1)#macro(m)#if($x == "")empty#{else}$x#end#end#m()`
	out := render(t, src, nil, Options{}, nil)
	assert.Equal(t, "$x", out)
}

func TestMacroRedefinitionShadowsAtNextCall(t *testing.T) {
	src := `#macro(m)one#end#m()#macro(m)two#end#m()`
	out := render(t, src, nil, Options{}, nil)
	assert.Equal(t, "onetwo", out)
}

func TestMacroArityMismatchErrors(t *testing.T) {
	tmpl, err := parser.Parse("t", `#macro(m $a)$a#end#m()`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(nil), &buf, Options{}, nil)
	require.Error(t, err)
}

type stringLoader map[string]string

func (s stringLoader) LoadText(name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", &NotFoundError{Name: name}
	}
	return v, nil
}

func (s stringLoader) LoadTemplate(name string) (*parser.TemplateNode, error) {
	v, ok := s[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return parser.Parse(name, v)
}

func TestIncludeIsRawUnparsed(t *testing.T) {
	ld := stringLoader{"raw": `$notAReference because include does not parse`}
	out := render(t, `#include("raw")`, nil, Options{}, ld)
	assert.Equal(t, `$notAReference because include does not parse`, out)
}

func TestParseSharesNamespace(t *testing.T) {
	ld := stringLoader{"a": `#parse("b")`, "b": `#set($x=1)$x`}
	out := render(t, `#parse("a")`, nil, Options{}, ld)
	assert.Equal(t, "1", out)
}

func TestParseThenReferenceVisibleAfterReturn(t *testing.T) {
	ld := stringLoader{"b": `#set($x=5)`}
	out := render(t, `#parse("b")$x`, nil, Options{}, ld)
	assert.Equal(t, "5", out)
}

func TestEvaluateRendersDynamicSource(t *testing.T) {
	out := render(t, `#set($src="1 + 1 = $!{x}")#evaluate($src)`, map[string]any{"x": int64(2)}, Options{}, nil)
	assert.Equal(t, "1 + 1 = 2", out)
}

func TestStopEndsOnlyParsedTemplate(t *testing.T) {
	ld := stringLoader{"b": `before#stop after`}
	out := render(t, `#parse("b") resumed`, nil, Options{}, ld)
	assert.Equal(t, "before resumed", out)
}

func TestDefineRendersAtReferenceSiteNamespace(t *testing.T) {
	src := `#define($block)$x#end#set($x="outer")#foreach($x in ["inner"])$block #end$block`
	out := render(t, src, nil, Options{}, nil)
	assert.Equal(t, "inner outer", out)
}

func TestDefineCyclicSelfReferenceErrors(t *testing.T) {
	tmpl, err := parser.Parse("t", `#define($a)$a#end$a`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(nil), &buf, Options{}, nil)
	require.Error(t, err)
}

func TestUnknownDirectiveEscapesAsLiteral(t *testing.T) {
	out := render(t, `#unknownDirective`, nil, Options{}, nil)
	assert.Equal(t, "#unknownDirective", out)
}

func TestMacroDepthGuardStopsRunawayRecursion(t *testing.T) {
	tmpl, err := parser.Parse("t", `#macro(m)#m()#end#m()`)
	require.NoError(t, err)
	var buf strings.Builder
	err = Render(tmpl, NewNamespace(nil), &buf, Options{}, nil)
	require.Error(t, err)
}
