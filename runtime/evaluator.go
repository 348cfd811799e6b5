package runtime

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/go-airspeed/airspeed/parser"
)

// Options carries the two render-time configuration toggles from spec §6;
// cache_size and template_root belong to the file loader.
type Options struct {
	StrictReferences bool
	StrictMath       bool
}

// Loader resolves #include/#parse targets. It is implemented by
// the loader package's Loader types; kept as a local interface here so
// runtime has no import-time dependency on loader's concrete types beyond
// the parser.TemplateNode it returns.
type Loader interface {
	LoadText(name string) (string, error)
	LoadTemplate(name string) (*parser.TemplateNode, error)
}

// maxMacroDepth guards against a runaway macro calling itself (spec §9
// design note on unbounded recursion, generalized in SPEC_FULL.md from
// #define cycles to macro calls).
const maxMacroDepth = 200

// definedBlock is the value a `#define` binds its name to: body rendered
// lazily, in the namespace active at reference time, not at definition
// time (spec §4.3).
type definedBlock struct {
	body []parser.Node
}

type evalCtx struct {
	name          string
	renderID      string
	opts          Options
	loader        Loader
	sink          io.Writer
	depth         int
	currentLoop   *LoopRecord
	activeDefines map[*definedBlock]bool
}

// Render walks tmpl's children against ns, writing output to sink. A
// #stop reached anywhere in tmpl ends rendering of tmpl only and is not
// reported as an error (spec §7, §8 stop-scope property). Each call is
// tagged with a fresh render id, carried on any ExecutionError it raises so
// host logs can correlate a failure with the render that produced it.
func Render(tmpl *parser.TemplateNode, ns *Namespace, sink io.Writer, opts Options, loader Loader) error {
	e := &evalCtx{name: tmpl.Name, renderID: uuid.NewString(), opts: opts, loader: loader, sink: sink}
	err := e.evalBlock(tmpl.Children, ns)
	if err != nil {
		if IsStop(err) {
			return nil
		}
		return err
	}
	return nil
}

func (e *evalCtx) write(s string) error {
	_, err := io.WriteString(e.sink, s)
	return err
}

func (e *evalCtx) errf(n parser.Node, format string, args ...any) error {
	return &ExecutionError{Name: e.name, RenderID: e.renderID, Line: n.Line(), Column: n.Column(), Message: fmt.Sprintf(format, args...)}
}

func (e *evalCtx) evalBlock(nodes []parser.Node, ns *Namespace) error {
	for _, n := range nodes {
		if err := e.evalNode(n, ns); err != nil {
			return err
		}
	}
	return nil
}

func (e *evalCtx) evalNode(n parser.Node, ns *Namespace) error {
	switch node := n.(type) {
	case *parser.TextNode:
		return e.write(node.Value)

	case *parser.ReferenceNode:
		v, err := e.evalReference(node, ns)
		if err != nil {
			return err
		}
		return e.write(e.stringify(v))

	case *parser.IfNode:
		for _, b := range node.Branches {
			if b.Cond == nil {
				return e.evalBlock(b.Body, ns)
			}
			v, err := e.evalExpr(b.Cond, ns)
			if err != nil {
				return err
			}
			if Truthy(v) {
				return e.evalBlock(b.Body, ns)
			}
		}
		return nil

	case *parser.ForeachNode:
		return e.evalForeach(node, ns)

	case *parser.SetNode:
		return e.evalSet(node, ns)

	case *parser.MacroDefNode:
		ns.Macros().Define(node.Name, node.Params, node.Body)
		return nil

	case *parser.MacroCallNode:
		return e.evalMacroCall(node, ns)

	case *parser.IncludeNode:
		return e.evalInclude(node, ns)

	case *parser.ParseNode:
		return e.evalParse(node, ns)

	case *parser.DefineNode:
		ns.Set(node.Name, &definedBlock{body: node.Body})
		return nil

	case *parser.EvaluateNode:
		return e.evalEvaluate(node, ns)

	case *parser.NoescapeNode:
		return e.write(node.Raw)

	case *parser.StopNode:
		return Stop

	default:
		return e.errf(n, "unhandled node type %T", n)
	}
}

func (e *evalCtx) evalForeach(node *parser.ForeachNode, ns *Namespace) error {
	iterVal, err := e.evalExpr(node.Iterable, ns)
	if err != nil {
		return err
	}
	items, ok := Iter(iterVal)
	if !ok {
		return e.errf(node, "cannot iterate over value")
	}

	parentLoop := e.currentLoop
	loop := &LoopRecord{Total: len(items), Parent: parentLoop}
	e.currentLoop = loop
	defer func() { e.currentLoop = parentLoop }()

	ns.Push()
	defer ns.Pop()

	for i, item := range items {
		loop.Index = i
		loop.Count = i + 1
		ns.SetLocal(node.Var, item)
		ns.SetLocal("velocityCount", int64(loop.Count))
		ns.SetLocal("foreach", loop)
		if err := e.evalBlock(node.Body, ns); err != nil {
			return err
		}
	}
	return nil
}

func (e *evalCtx) evalSet(n *parser.SetNode, ns *Namespace) error {
	rv, err := e.evalExpr(n.Rhs, ns)
	if err != nil {
		return err
	}
	if n.Lhs.Kind == parser.PathRoot {
		ns.Set(n.Lhs.Name, rv)
		return nil
	}
	parentVal, err := e.evalPath(n.Lhs.Parent, ns)
	if err != nil {
		return err
	}
	if IsMissing(parentVal) {
		return e.errf(n, "cannot assign: %s is undefined", pathSourceForm(n.Lhs.Parent))
	}
	switch n.Lhs.Kind {
	case parser.PathProperty:
		if !SetProperty(parentVal, n.Lhs.Name, rv) {
			return e.errf(n, "cannot set property %s", n.Lhs.Name)
		}
	case parser.PathIndex:
		idx, err := e.evalExpr(n.Lhs.Index, ns)
		if err != nil {
			return err
		}
		if !SetIndex(parentVal, idx, rv) {
			return e.errf(n, "cannot set index")
		}
	default:
		return e.errf(n, "illegal assignment target")
	}
	return nil
}

func (e *evalCtx) evalMacroCall(n *parser.MacroCallNode, ns *Namespace) error {
	m, ok := ns.Macros().Lookup(n.Name)
	if !ok {
		return e.errf(n, "undefined macro #%s", n.Name)
	}
	if len(m.Params) != len(n.Args) {
		return e.errf(n, "macro #%s expects %d arguments, got %d", n.Name, len(m.Params), len(n.Args))
	}
	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := e.evalExpr(a, ns) // evaluated in the caller's scope
		if err != nil {
			return err
		}
		args[i] = v
	}

	e.depth++
	defer func() { e.depth-- }()
	if e.depth > maxMacroDepth {
		return e.errf(n, "macro call depth exceeded calling #%s", n.Name)
	}

	saved := ns.PushIsolated()
	defer ns.PopIsolated(saved)
	for i, p := range m.Params {
		ns.SetLocal(p, args[i])
	}
	return e.evalBlock(m.Body, ns)
}

func (e *evalCtx) evalInclude(n *parser.IncludeNode, ns *Namespace) error {
	for _, expr := range n.Exprs {
		v, err := e.evalExpr(expr, ns)
		if err != nil {
			return err
		}
		name := e.stringify(v)
		if e.loader == nil {
			return &NotFoundError{Name: name}
		}
		text, err := e.loader.LoadText(name)
		if err != nil {
			return &NotFoundError{Name: name}
		}
		if err := e.write(text); err != nil {
			return err
		}
	}
	return nil
}

func (e *evalCtx) evalParse(n *parser.ParseNode, ns *Namespace) error {
	v, err := e.evalExpr(n.Expr, ns)
	if err != nil {
		return err
	}
	name := e.stringify(v)
	if e.loader == nil {
		return &NotFoundError{Name: name}
	}
	tmpl, err := e.loader.LoadTemplate(name)
	if err != nil {
		return &NotFoundError{Name: name}
	}
	sub := &evalCtx{name: tmpl.Name, renderID: e.renderID, opts: e.opts, loader: e.loader, sink: e.sink, depth: e.depth, activeDefines: e.activeDefines, currentLoop: e.currentLoop}
	if err := sub.evalBlock(tmpl.Children, ns); err != nil {
		if IsStop(err) {
			return nil
		}
		return err
	}
	return nil
}

func (e *evalCtx) evalEvaluate(n *parser.EvaluateNode, ns *Namespace) error {
	v, err := e.evalExpr(n.Expr, ns)
	if err != nil {
		return err
	}
	src := e.stringify(v)
	tmpl, err := parser.Parse("#evaluate", src)
	if err != nil {
		return err
	}
	sub := &evalCtx{name: tmpl.Name, renderID: e.renderID, opts: e.opts, loader: e.loader, sink: e.sink, depth: e.depth, activeDefines: e.activeDefines, currentLoop: e.currentLoop}
	if err := sub.evalBlock(tmpl.Children, ns); err != nil {
		if IsStop(err) {
			return nil
		}
		return err
	}
	return nil
}

func (e *evalCtx) renderDefine(db *definedBlock, ns *Namespace, at parser.Node) (string, error) {
	if e.activeDefines == nil {
		e.activeDefines = map[*definedBlock]bool{}
	}
	if e.activeDefines[db] {
		return "", e.errf(at, "cyclic #define reference")
	}
	e.activeDefines[db] = true
	defer delete(e.activeDefines, db)

	var buf strings.Builder
	sub := &evalCtx{name: e.name, renderID: e.renderID, opts: e.opts, loader: e.loader, sink: &buf, depth: e.depth, activeDefines: e.activeDefines, currentLoop: e.currentLoop}
	if err := sub.evalBlock(db.body, ns); err != nil {
		if IsStop(err) {
			return buf.String(), nil
		}
		return "", err
	}
	return buf.String(), nil
}

// --- expressions ---

func (e *evalCtx) evalExpr(n parser.Node, ns *Namespace) (any, error) {
	switch node := n.(type) {
	case *parser.ReferenceNode:
		return e.evalReference(node, ns)
	case *parser.InterpNode:
		var b strings.Builder
		for _, part := range node.Parts {
			switch pp := part.(type) {
			case *parser.TextNode:
				b.WriteString(pp.Value)
			case *parser.ReferenceNode:
				v, err := e.evalReference(pp, ns)
				if err != nil {
					return nil, err
				}
				b.WriteString(e.stringify(v))
			}
		}
		return b.String(), nil
	case *parser.LiteralNode:
		return e.evalLiteral(node, ns)
	case *parser.BinaryNode:
		return e.evalBinary(node, ns)
	case *parser.UnaryNode:
		return e.evalUnary(node, ns)
	}
	return nil, e.errf(n, "unhandled expression node %T", n)
}

func (e *evalCtx) evalReference(ref *parser.ReferenceNode, ns *Namespace) (any, error) {
	v, err := e.evalPath(ref.Path, ns)
	if err != nil {
		return nil, err
	}
	if IsMissing(v) {
		if ref.Quiet {
			return "", nil
		}
		if e.opts.StrictReferences {
			return nil, e.errf(ref, "undefined reference $%s", pathSourceForm(ref.Path))
		}
		return literalSourceForm(ref), nil
	}
	if db, ok := v.(*definedBlock); ok {
		return e.renderDefine(db, ns, ref)
	}
	return v, nil
}

func (e *evalCtx) evalPath(p *parser.PathNode, ns *Namespace) (any, error) {
	switch p.Kind {
	case parser.PathRoot:
		return ns.Get(p.Name), nil
	case parser.PathProperty:
		parent, err := e.evalPath(p.Parent, ns)
		if err != nil {
			return nil, err
		}
		if IsMissing(parent) {
			return Missing, nil
		}
		return GetProperty(parent, p.Name), nil
	case parser.PathIndex:
		parent, err := e.evalPath(p.Parent, ns)
		if err != nil {
			return nil, err
		}
		if IsMissing(parent) {
			return Missing, nil
		}
		idx, err := e.evalExpr(p.Index, ns)
		if err != nil {
			return nil, err
		}
		return GetIndex(parent, idx), nil
	case parser.PathCall:
		parent, err := e.evalPath(p.Parent, ns)
		if err != nil {
			return nil, err
		}
		if IsMissing(parent) {
			return Missing, nil
		}
		args := make([]any, len(p.Args))
		for i, a := range p.Args {
			v, err := e.evalExpr(a, ns)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		v := Invoke(parent, p.Name, args)
		if reason, failed := IsFailed(v); failed {
			return nil, e.errf(p, "%s", reason)
		}
		if he, ok := v.(HostError); ok {
			return nil, &ExecutionError{Name: e.name, RenderID: e.renderID, Line: p.Line(), Column: p.Column(), Message: "host method error", Cause: he}
		}
		return v, nil
	}
	return nil, e.errf(p, "unhandled path kind")
}

func pathSourceForm(p *parser.PathNode) string {
	switch p.Kind {
	case parser.PathRoot:
		return p.Name
	case parser.PathProperty:
		return pathSourceForm(p.Parent) + "." + p.Name
	case parser.PathIndex:
		return pathSourceForm(p.Parent) + "[...]"
	case parser.PathCall:
		return pathSourceForm(p.Parent) + "." + p.Name + "(...)"
	}
	return "?"
}

func literalSourceForm(ref *parser.ReferenceNode) string {
	prefix := "$"
	if ref.Quiet {
		prefix = "$!"
	}
	return prefix + pathSourceForm(ref.Path)
}

func (e *evalCtx) evalLiteral(node *parser.LiteralNode, ns *Namespace) (any, error) {
	switch node.Kind {
	case parser.LitInt:
		return node.Int, nil
	case parser.LitFloat:
		return node.Float, nil
	case parser.LitString:
		return node.Str, nil
	case parser.LitBool:
		return node.Bool, nil
	case parser.LitNull:
		return nil, nil
	case parser.LitList:
		vals := make([]any, len(node.List))
		for i, el := range node.List {
			v, err := e.evalExpr(el, ns)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return vals, nil
	case parser.LitMap:
		m := make(map[string]any, len(node.Map))
		for _, entry := range node.Map {
			k, err := e.evalExpr(entry.Key, ns)
			if err != nil {
				return nil, err
			}
			v, err := e.evalExpr(entry.Value, ns)
			if err != nil {
				return nil, err
			}
			ks, ok := k.(string)
			if !ok {
				ks = e.stringify(k)
			}
			m[ks] = v
		}
		return m, nil
	case parser.LitRange:
		lo, err := e.evalExpr(node.List[0], ns)
		if err != nil {
			return nil, err
		}
		hi, err := e.evalExpr(node.List[1], ns)
		if err != nil {
			return nil, err
		}
		loi, ok1 := toInt(lo)
		hii, ok2 := toInt(hi)
		if !ok1 || !ok2 {
			return nil, e.errf(node, "range bounds must be integers")
		}
		return &Range{Lo: loi, Hi: hii}, nil
	}
	return nil, e.errf(node, "unhandled literal kind")
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	}
	return 0, false
}

func numOf(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func (e *evalCtx) evalBinary(n *parser.BinaryNode, ns *Namespace) (any, error) {
	switch n.Op {
	case parser.OpOr:
		lv, err := e.evalExpr(n.Left, ns)
		if err != nil {
			return nil, err
		}
		if Truthy(lv) {
			return true, nil
		}
		rv, err := e.evalExpr(n.Right, ns)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	case parser.OpAnd:
		lv, err := e.evalExpr(n.Left, ns)
		if err != nil {
			return nil, err
		}
		if !Truthy(lv) {
			return false, nil
		}
		rv, err := e.evalExpr(n.Right, ns)
		if err != nil {
			return nil, err
		}
		return Truthy(rv), nil
	}

	lv, err := e.evalExpr(n.Left, ns)
	if err != nil {
		return nil, err
	}
	rv, err := e.evalExpr(n.Right, ns)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case parser.OpEq:
		return compareEq(lv, rv), nil
	case parser.OpNe:
		return !compareEq(lv, rv), nil
	case parser.OpLt, parser.OpLe, parser.OpGt, parser.OpGe:
		return compareOrder(n.Op, lv, rv), nil
	case parser.OpAdd, parser.OpSub, parser.OpMul, parser.OpDiv, parser.OpMod:
		return e.arith(n, lv, rv)
	}
	return nil, e.errf(n, "unhandled operator")
}

func compareEq(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	af, aIsNum := numOf(a)
	bf, bIsNum := numOf(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	if al, ok := a.([]any); ok {
		bl, ok2 := b.([]any)
		if !ok2 || len(al) != len(bl) {
			return false
		}
		for i := range al {
			if !compareEq(al[i], bl[i]) {
				return false
			}
		}
		return true
	}
	// Comparing unlike kinds (e.g. string vs numeric) is false, not an
	// error (spec §9 open question, resolved in DESIGN.md).
	return false
}

func compareOrder(op parser.BinaryOp, lv, rv any) bool {
	if af, aok := numOf(lv); aok {
		if bf, bok := numOf(rv); bok {
			switch op {
			case parser.OpLt:
				return af < bf
			case parser.OpLe:
				return af <= bf
			case parser.OpGt:
				return af > bf
			case parser.OpGe:
				return af >= bf
			}
		}
	}
	if as, aok := lv.(string); aok {
		if bs, bok := rv.(string); bok {
			switch op {
			case parser.OpLt:
				return as < bs
			case parser.OpLe:
				return as <= bs
			case parser.OpGt:
				return as > bs
			case parser.OpGe:
				return as >= bs
			}
		}
	}
	return false
}

func (e *evalCtx) arith(n *parser.BinaryNode, lv, rv any) (any, error) {
	if lv == nil {
		if e.opts.StrictMath {
			return nil, e.errf(n, "arithmetic on null")
		}
		lv = int64(0)
	}
	if rv == nil {
		if e.opts.StrictMath {
			return nil, e.errf(n, "arithmetic on null")
		}
		rv = int64(0)
	}
	if li, ok := lv.(int64); ok {
		if ri, ok := rv.(int64); ok {
			switch n.Op {
			case parser.OpAdd:
				return li + ri, nil
			case parser.OpSub:
				return li - ri, nil
			case parser.OpMul:
				return li * ri, nil
			case parser.OpDiv:
				if ri == 0 {
					return nil, e.errf(n, "division by zero")
				}
				return li / ri, nil
			case parser.OpMod:
				if ri == 0 {
					return nil, e.errf(n, "division by zero")
				}
				return li % ri, nil
			}
		}
	}
	lf, lok := numOf(lv)
	rf, rok := numOf(rv)
	if !lok || !rok {
		return nil, e.errf(n, "arithmetic on non-numeric value")
	}
	switch n.Op {
	case parser.OpAdd:
		return lf + rf, nil
	case parser.OpSub:
		return lf - rf, nil
	case parser.OpMul:
		return lf * rf, nil
	case parser.OpDiv:
		if rf == 0 {
			return nil, e.errf(n, "division by zero")
		}
		return lf / rf, nil
	case parser.OpMod:
		if rf == 0 {
			return nil, e.errf(n, "division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, e.errf(n, "unhandled arithmetic operator")
}

func (e *evalCtx) evalUnary(n *parser.UnaryNode, ns *Namespace) (any, error) {
	switch n.Op {
	case parser.OpNot:
		v, err := e.evalExpr(n.X, ns)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case parser.OpNeg:
		v, err := e.evalExpr(n.X, ns)
		if err != nil {
			return nil, err
		}
		switch x := v.(type) {
		case int64:
			return -x, nil
		case float64:
			return -x, nil
		default:
			return nil, e.errf(n, "unary minus on non-numeric value")
		}
	}
	return nil, e.errf(n, "unhandled unary operator")
}

func (e *evalCtx) stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case []any:
		parts := make([]string, len(x))
		for i, el := range x {
			parts[i] = e.stringify(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Range:
		return fmt.Sprintf("%d..%d", x.Lo, x.Hi)
	default:
		return fmt.Sprintf("%v", x)
	}
}
