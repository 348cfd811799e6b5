package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type person struct {
	Name string
	age  int
}

func (p *person) GetAge() int64     { return int64(p.age) }
func (p *person) IsAdult() bool     { return p.age >= 18 }
func (p *person) Greet() string     { return "hi " + p.Name }
func (p *person) Add(n int64) int64 { return int64(p.age) + n }
func (p *person) Fail() error       { return errors.New("boom") }
func (p *person) Sum(ns ...int64) int64 {
	var total int64
	for _, n := range ns {
		total += n
	}
	return total
}

func TestGetPropertyMapHit(t *testing.T) {
	m := map[string]any{"x": int64(1)}
	assert.Equal(t, int64(1), GetProperty(m, "x"))
}

func TestGetPropertyMapMissIsMissing(t *testing.T) {
	m := map[string]any{"x": int64(1)}
	assert.True(t, IsMissing(GetProperty(m, "y")))
}

func TestGetPropertyStructField(t *testing.T) {
	p := &person{Name: "Ada"}
	assert.Equal(t, "Ada", GetProperty(p, "Name"))
}

func TestGetPropertyBeanAccessorGet(t *testing.T) {
	p := &person{Name: "Ada", age: 30}
	assert.Equal(t, int64(30), GetProperty(p, "Age"))
}

func TestGetPropertyBeanAccessorIs(t *testing.T) {
	p := &person{Name: "Ada", age: 30}
	assert.Equal(t, true, GetProperty(p, "Adult"))
}

func TestGetPropertyZeroArgMethod(t *testing.T) {
	p := &person{Name: "Ada"}
	assert.Equal(t, "hi Ada", GetProperty(p, "Greet"))
}

func TestGetPropertyOnNilIsMissing(t *testing.T) {
	assert.True(t, IsMissing(GetProperty(nil, "x")))
}

func TestGetIndexSlice(t *testing.T) {
	s := []any{"a", "b", "c"}
	assert.Equal(t, "b", GetIndex(s, int64(1)))
}

func TestGetIndexSliceOutOfRangeIsMissing(t *testing.T) {
	s := []any{"a"}
	assert.True(t, IsMissing(GetIndex(s, int64(5))))
}

func TestGetIndexString(t *testing.T) {
	assert.Equal(t, "e", GetIndex("hello", int64(1)))
}

func TestGetIndexMap(t *testing.T) {
	m := map[string]any{"k": "v"}
	assert.Equal(t, "v", GetIndex(m, "k"))
}

func TestInvokeArityMismatchFails(t *testing.T) {
	p := &person{age: 5}
	v := Invoke(p, "Add", nil)
	reason, ok := IsFailed(v)
	assert.True(t, ok)
	assert.Contains(t, reason, "arity mismatch")
}

func TestInvokeWithCoercion(t *testing.T) {
	p := &person{age: 5}
	v := Invoke(p, "Add", []any{int64(3)})
	assert.Equal(t, int64(8), v)
}

func TestInvokeVariadicMethod(t *testing.T) {
	p := &person{}
	v := Invoke(p, "Sum", []any{int64(1), int64(2), int64(3)})
	assert.Equal(t, int64(6), v)
}

func TestInvokeNoSuchMethodFails(t *testing.T) {
	p := &person{}
	v := Invoke(p, "NoSuchMethod", nil)
	_, ok := IsFailed(v)
	assert.True(t, ok)
}

func TestInvokeMethodReturningErrorIsHostError(t *testing.T) {
	p := &person{}
	v := Invoke(p, "Fail", nil)
	he, ok := v.(HostError)
	assert.True(t, ok)
	assert.EqualError(t, he.Err, "boom")
}

func TestInvokeOnNilFails(t *testing.T) {
	v := Invoke(nil, "Anything", nil)
	_, ok := IsFailed(v)
	assert.True(t, ok)
}

func TestIterSlice(t *testing.T) {
	out, ok := Iter([]any{1, 2, 3})
	assert.True(t, ok)
	assert.Len(t, out, 3)
}

func TestIterString(t *testing.T) {
	out, ok := Iter("ab")
	assert.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestIterRangeAscending(t *testing.T) {
	out, ok := Iter(&Range{Lo: 1, Hi: 3})
	assert.True(t, ok)
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)
}

func TestIterRangeDescending(t *testing.T) {
	out, ok := Iter(&Range{Lo: 3, Hi: 1})
	assert.True(t, ok)
	assert.Equal(t, []any{int64(3), int64(2), int64(1)}, out)
}

func TestRangeLenDescending(t *testing.T) {
	r := &Range{Lo: 5, Hi: 2}
	assert.Equal(t, 4, r.Len())
}

func TestSetPropertyOnMapWritesThrough(t *testing.T) {
	m := map[string]any{}
	ok := SetProperty(m, "x", int64(1))
	assert.True(t, ok)
	assert.Equal(t, int64(1), m["x"])
}

func TestSetIndexOnSliceWritesThrough(t *testing.T) {
	s := []any{1, 2, 3}
	ok := SetIndex(s, int64(1), 99)
	assert.True(t, ok)
	assert.Equal(t, 99, s[1])
}

func TestTruthyValues(t *testing.T) {
	assert.False(t, Truthy(nil))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy(int64(0)))
	assert.True(t, Truthy(int64(1)))
	assert.False(t, Truthy(Missing))
	assert.True(t, Truthy("x"))
	assert.False(t, Truthy([]any{}))
	assert.True(t, Truthy([]any{1}))
}
