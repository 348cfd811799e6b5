// Package runtime implements the Value Protocol, the Namespace/frame
// chain, and the tree-walking evaluator that together give VTL directives
// their meaning. It is the "AST & Evaluator" and "Namespace & Scoping"
// components of the design.
package runtime

import "reflect"

// missingType is the sentinel Value-Protocol lookup-miss marker. It is
// deliberately not nil (nil is the explicit VTL `null`) and not a string,
// so the evaluator can tell "no such property" apart from "property whose
// value is null" or "property whose value happens to be the empty string".
type missingType struct{}

// Missing is returned by GetProperty/GetIndex when the lookup could not be
// satisfied. It is distinct from Go nil, which represents VTL's explicit
// Null value.
var Missing = missingType{}

// IsMissing reports whether v is the Value-Protocol miss sentinel.
func IsMissing(v any) bool {
	_, ok := v.(missingType)
	return ok
}

// failedType marks an Invoke call that could not be dispatched (no method
// of that name/arity), as distinct from a method that ran and returned an
// error.
type failedType struct{ reason string }

func Failed(reason string) any { return failedType{reason: reason} }

func IsFailed(v any) (string, bool) {
	f, ok := v.(failedType)
	if !ok {
		return "", false
	}
	return f.reason, true
}

// GetProperty implements spec §4.1 get_property: mapping key, then
// attribute/field, then zero-arg method `name`, then the exported bean
// accessors `Get<Name>` and `Is<Name>` in that order.
func GetProperty(obj any, name string) any {
	if obj == nil {
		return Missing
	}
	switch o := obj.(type) {
	case map[string]any:
		if v, ok := o[name]; ok {
			return v
		}
		return Missing
	}

	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return Missing
		}
		rv = rv.Elem()
	}

	if rv.Kind() == reflect.Map {
		key := reflect.ValueOf(name)
		if key.Type().AssignableTo(rv.Type().Key()) {
			v := rv.MapIndex(key)
			if v.IsValid() {
				return v.Interface()
			}
		}
		return Missing
	}

	if rv.Kind() == reflect.Struct {
		if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface()
		}
	}

	orig := reflect.ValueOf(obj)
	if m := orig.MethodByName(name); m.IsValid() && m.Type().NumIn() == 0 {
		return callZeroArg(m)
	}
	for _, accessor := range []string{"Get" + capitalize(name), "Is" + capitalize(name)} {
		if m := orig.MethodByName(accessor); m.IsValid() && m.Type().NumIn() == 0 {
			return callZeroArg(m)
		}
	}
	return Missing
}

func callZeroArg(m reflect.Value) any {
	out := m.Call(nil)
	if len(out) == 0 {
		return nil
	}
	return out[0].Interface()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}

// GetIndex implements spec §4.1 get_index over sequences (non-negative
// integer key), maps (any hashable key), and strings (integer key → one
// character).
func GetIndex(obj any, key any) any {
	switch o := obj.(type) {
	case string:
		runes := []rune(o)
		i, ok := asInt(key)
		if !ok || i < 0 || i >= int64(len(runes)) {
			return Missing
		}
		return string(runes[i])
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			return Missing
		}
		if v, ok := o[k]; ok {
			return v
		}
		return Missing
	}

	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, ok := asInt(key)
		if !ok || i < 0 || i >= int64(rv.Len()) {
			return Missing
		}
		return rv.Index(int(i)).Interface()
	case reflect.Map:
		kv := reflect.ValueOf(key)
		if !kv.IsValid() || !kv.Type().AssignableTo(rv.Type().Key()) {
			return Missing
		}
		v := rv.MapIndex(kv)
		if !v.IsValid() {
			return Missing
		}
		return v.Interface()
	}
	return Missing
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// Invoke implements spec §4.1 invoke: arity-first dispatch on a zero- or
// more-argument method. Overload resolution beyond arity prefers an exact
// kind match, then numeric widening, then fails.
func Invoke(obj any, name string, args []any) any {
	if obj == nil {
		return Failed("cannot invoke method on null")
	}
	rv := reflect.ValueOf(obj)
	m := rv.MethodByName(name)
	if !m.IsValid() {
		return Failed("no method " + name)
	}
	mt := m.Type()
	variadic := mt.IsVariadic()
	if !variadic && mt.NumIn() != len(args) {
		return Failed("arity mismatch calling " + name)
	}
	if variadic && len(args) < mt.NumIn()-1 {
		return Failed("arity mismatch calling " + name)
	}
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		var want reflect.Type
		if variadic && i >= mt.NumIn()-1 {
			want = mt.In(mt.NumIn() - 1).Elem()
		} else {
			want = mt.In(i)
		}
		av, ok := coerce(a, want)
		if !ok {
			return Failed("argument type mismatch calling " + name)
		}
		in[i] = av
	}
	out := m.Call(in)
	switch len(out) {
	case 0:
		return nil
	case 1:
		if err, ok := out[0].Interface().(error); ok {
			if err != nil {
				return HostError{Err: err}
			}
			return nil
		}
		return out[0].Interface()
	default:
		// (value, error) convention.
		if len(out) >= 2 {
			if err, ok := out[len(out)-1].Interface().(error); ok && err != nil {
				return HostError{Err: err}
			}
		}
		return out[0].Interface()
	}
}

func coerce(v any, want reflect.Type) (reflect.Value, bool) {
	if v == nil {
		return reflect.Zero(want), want.Kind() == reflect.Ptr || want.Kind() == reflect.Interface
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv, true
	}
	if rv.Type().ConvertibleTo(want) && isNumericKind(rv.Kind()) && isNumericKind(want.Kind()) {
		return rv.Convert(want), true
	}
	if want.Kind() == reflect.Interface && rv.Type().Implements(want) {
		return rv, true
	}
	return reflect.Value{}, false
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Iter implements spec §4.1 iter: a finite ordered sequence view over
// Seq/Map(keys)/Range/Str(by character)/host iterables. Map keys come out
// in Go's map iteration order, which is unspecified and not insertion order.
func Iter(obj any) ([]any, bool) {
	switch o := obj.(type) {
	case []any:
		return o, true
	case string:
		runes := []rune(o)
		out := make([]any, len(runes))
		for i, r := range runes {
			out[i] = string(r)
		}
		return out, true
	case map[string]any:
		out := make([]any, 0, len(o))
		for k := range o {
			out = append(out, k)
		}
		return out, true
	case *Range:
		return o.Slice(), true
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	}
	return nil, false
}

// SetProperty/SetIndex implement spec §4.1 write-through, used by `#set`
// only when the lhs path has length > 1 (DESIGN.md open-question decision).
func SetProperty(obj any, name string, value any) bool {
	if m, ok := obj.(map[string]any); ok {
		m[name] = value
		return true
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct && rv.CanSet() {
		f := rv.FieldByName(name)
		if f.IsValid() && f.CanSet() {
			vv := reflect.ValueOf(value)
			if vv.Type().AssignableTo(f.Type()) {
				f.Set(vv)
				return true
			}
		}
	}
	return false
}

func SetIndex(obj any, key any, value any) bool {
	if m, ok := obj.(map[string]any); ok {
		k, ok := key.(string)
		if !ok {
			return false
		}
		m[k] = value
		return true
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() == reflect.Slice {
		i, ok := asInt(key)
		if !ok || i < 0 || i >= int64(rv.Len()) {
			return false
		}
		vv := reflect.ValueOf(value)
		if vv.Type().AssignableTo(rv.Type().Elem()) {
			rv.Index(int(i)).Set(vv)
			return true
		}
	}
	if rv.Kind() == reflect.Map {
		kv := reflect.ValueOf(key)
		vv := reflect.ValueOf(value)
		if kv.Type().AssignableTo(rv.Type().Key()) && vv.Type().AssignableTo(rv.Type().Elem()) {
			rv.SetMapIndex(kv, vv)
			return true
		}
	}
	return false
}

// Truthy implements spec §3 Value truthiness rules.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	case *Range:
		return x.Len() > 0
	case missingType:
		return false
	default:
		return true
	}
}

// Range is the Value kind backing VTL's `[lo..hi]` range literals and
// `#foreach` iteration over them. Ranges are always inclusive per the
// grammar (`range := '[' expr '..' expr ']'`).
type Range struct {
	Lo, Hi int64
}

func (r *Range) Len() int {
	if r.Hi >= r.Lo {
		return int(r.Hi-r.Lo) + 1
	}
	return int(r.Lo-r.Hi) + 1
}

func (r *Range) Slice() []any {
	out := make([]any, 0, r.Len())
	if r.Hi >= r.Lo {
		for i := r.Lo; i <= r.Hi; i++ {
			out = append(out, i)
		}
	} else {
		for i := r.Lo; i >= r.Hi; i-- {
			out = append(out, i)
		}
	}
	return out
}

// HostError wraps an error surfaced by a host method call, per spec §7.
type HostError struct {
	Err error
}

func (e HostError) Error() string { return e.Err.Error() }
func (e HostError) Unwrap() error { return e.Err }
