package parser

import (
	"strconv"
	"strings"

	"github.com/go-airspeed/airspeed/lexer"
)

// Parser is a hand-written recursive-descent parser. It holds no state
// beyond its own cursor (the Scanner) and the source name used in error
// messages — safe to discard after Parse returns, never reused across
// parses (spec §5: parse-time is single-threaded per parse).
type Parser struct {
	sc   *lexer.Scanner
	name string
}

// Parse turns VTL source into a TemplateNode, or fails with a *SyntaxError.
func Parse(name, src string) (*TemplateNode, error) {
	p := &Parser{sc: lexer.NewScanner(src), name: name}
	children, stopWord, err := p.parseBlocks()
	if err != nil {
		return nil, err
	}
	if stopWord != "" {
		return nil, p.errAt("unexpected #%s", stopWord)
	}
	root := NewTemplateNode(name, 1, 1)
	root.Children = children
	return root, nil
}

func (p *Parser) errAt(format string, args ...any) error {
	_, line, col := p.sc.Pos()
	return newSyntaxError(p.name, line, col, format, args...)
}

func (p *Parser) errAtPos(line, col int, format string, args ...any) error {
	return newSyntaxError(p.name, line, col, format, args...)
}

func (p *Parser) maybeGobble() {
	p.sc.ConsumeLineIfBlank()
}

// parseBlocks parses text/reference/directive units until EOF or a
// structural `#else`/`#elseif`/`#end` is reached, in which case it consumes
// only that directive's keyword (not its arguments) and returns it as
// stopWord so the caller — which knows what it's closing — can continue.
func (p *Parser) parseBlocks() ([]Node, string, error) {
	var nodes []Node
	var textBuf strings.Builder
	textLine, textCol := 1, 1

	flush := func() {
		if textBuf.Len() > 0 {
			nodes = append(nodes, &TextNode{baseNode: newBase(textLine, textCol), Value: textBuf.String()})
			textBuf.Reset()
		}
	}
	markTextStart := func() {
		if textBuf.Len() == 0 {
			_, textLine, textCol = p.sc.Pos()
		}
	}

	for {
		if p.sc.Eof() {
			flush()
			return nodes, "", nil
		}
		r := p.sc.Peek()
		switch r {
		case '\\':
			n := 0
			for p.sc.Peek() == '\\' {
				p.sc.Next()
				n++
			}
			markTextStart()
			if p.sc.Peek() == '$' {
				for i := 0; i < n/2; i++ {
					textBuf.WriteByte('\\')
				}
				if n%2 == 1 {
					p.sc.Next() // consume the escaped '$'
					textBuf.WriteByte('$')
				}
				continue
			}
			for i := 0; i < n; i++ {
				textBuf.WriteByte('\\')
			}
			continue
		case '$':
			ref, ok, err := p.tryParseReference()
			if err != nil {
				return nil, "", err
			}
			if ok {
				flush()
				nodes = append(nodes, ref)
				continue
			}
			markTextStart()
			textBuf.WriteRune(p.sc.Next())
		case '#':
			node, stopWord, consumed, err := p.tryParseDirectiveOrComment()
			if err != nil {
				return nil, "", err
			}
			if stopWord != "" {
				flush()
				return nodes, stopWord, nil
			}
			if consumed {
				flush()
				if node != nil {
					nodes = append(nodes, node)
				}
				continue
			}
			markTextStart()
			textBuf.WriteRune(p.sc.Next())
		default:
			markTextStart()
			textBuf.WriteRune(p.sc.Next())
		}
	}
}

// tryParseReference attempts to parse a `$`/`${...}` reference at the
// cursor. On any failure it rewinds to the position before the `$` and
// returns ok=false, leaving the `$` to be treated as literal text by the
// caller (spec §4.2: rewind, treat scanned characters as literal).
func (p *Parser) tryParseReference() (Node, bool, error) {
	m := p.sc.Mark()
	_, line, col := p.sc.Pos()
	if !p.sc.Consume("$") {
		return nil, false, nil
	}
	quiet := p.sc.Consume("!")
	braced := p.sc.Consume("{")
	if !lexer.IdentStart(p.sc.Peek()) {
		p.sc.Reset(m)
		return nil, false, nil
	}
	rootName := p.sc.ScanIdent()
	path := &PathNode{baseNode: newBase(line, col), Kind: PathRoot, Name: rootName}

chain:
	for {
		switch p.sc.Peek() {
		case '.':
			save := p.sc.Mark()
			p.sc.Next()
			if !lexer.IdentStart(p.sc.Peek()) {
				p.sc.Reset(save)
				break chain
			}
			name := p.sc.ScanIdent()
			if p.sc.Peek() == '(' {
				args, err := p.parseArgList()
				if err != nil {
					p.sc.Reset(m)
					return nil, false, nil
				}
				path = &PathNode{baseNode: path.baseNode, Kind: PathCall, Parent: path, Name: name, Args: args}
			} else {
				path = &PathNode{baseNode: path.baseNode, Kind: PathProperty, Parent: path, Name: name}
			}
		case '[':
			p.sc.Next()
			p.sc.SkipSpaces()
			idx, err := p.parseExpr()
			if err != nil {
				p.sc.Reset(m)
				return nil, false, nil
			}
			p.sc.SkipSpaces()
			if !p.sc.Consume("]") {
				p.sc.Reset(m)
				return nil, false, nil
			}
			path = &PathNode{baseNode: path.baseNode, Kind: PathIndex, Parent: path, Index: idx}
		default:
			break chain
		}
	}

	if braced {
		if !p.sc.Consume("}") {
			p.sc.Reset(m)
			return nil, false, nil
		}
	}
	return &ReferenceNode{baseNode: newBase(line, col), Path: path, Quiet: quiet, Braced: braced}, true, nil
}

// parseLhsPath parses a `#set` assignment target: `$` followed by an
// identifier and a chain of `.ident` / `[expr]` segments. Call segments are
// not valid assignment targets.
func (p *Parser) parseLhsPath() (*PathNode, error) {
	_, line, col := p.sc.Pos()
	if !p.sc.Consume("$") {
		return nil, p.errAt("expected '$' starting #set target")
	}
	if !lexer.IdentStart(p.sc.Peek()) {
		return nil, p.errAt("expected identifier after '$' in #set target")
	}
	path := &PathNode{baseNode: newBase(line, col), Kind: PathRoot, Name: p.sc.ScanIdent()}
	for {
		switch p.sc.Peek() {
		case '.':
			p.sc.Next()
			if !lexer.IdentStart(p.sc.Peek()) {
				return nil, p.errAt("expected identifier after '.' in #set target")
			}
			path = &PathNode{baseNode: path.baseNode, Kind: PathProperty, Parent: path, Name: p.sc.ScanIdent()}
		case '[':
			p.sc.Next()
			p.sc.SkipSpaces()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			p.sc.SkipSpaces()
			if !p.sc.Consume("]") {
				return nil, p.errAt("expected ']' closing index in #set target")
			}
			path = &PathNode{baseNode: path.baseNode, Kind: PathIndex, Parent: path, Index: idx}
		default:
			return path, nil
		}
	}
}

func (p *Parser) parseArgList() ([]Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '('")
	}
	var args []Node
	p.sc.SkipSpaces()
	if p.sc.Peek() == ')' {
		p.sc.Next()
		return args, nil
	}
	for {
		p.sc.SkipSpaces()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, e)
		p.sc.SkipSpaces()
		if p.sc.Consume(",") {
			continue
		}
		break
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing argument list")
	}
	return args, nil
}

func (p *Parser) parseParenExpr() (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '('")
	}
	p.sc.SkipSpaces()
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')'")
	}
	return e, nil
}

// --- expression grammar, loosest to tightest precedence ---

func (p *Parser) parseExpr() (Node, error) { return p.parseOr() }

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		p.sc.SkipSpaces()
		if !p.sc.HasPrefix("||") {
			return left, nil
		}
		p.sc.Consume("||")
		p.sc.SkipSpaces()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpOr, Left: left, Right: right}
	}
}

func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		p.sc.SkipSpaces()
		if !p.sc.HasPrefix("&&") {
			return left, nil
		}
		p.sc.Consume("&&")
		p.sc.SkipSpaces()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpAnd, Left: left, Right: right}
	}
}

func (p *Parser) parseNot() (Node, error) {
	p.sc.SkipSpaces()
	if p.sc.Peek() == '!' && !p.sc.HasPrefix("!=") {
		_, line, col := p.sc.Pos()
		p.sc.Next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{baseNode: newBase(line, col), Op: OpNot, X: x}, nil
	}
	return p.parseRel()
}

func (p *Parser) parseRel() (Node, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	var op BinaryOp
	switch {
	case p.sc.HasPrefix("=="):
		op, _ = OpEq, p.sc.Consume("==")
	case p.sc.HasPrefix("!="):
		op, _ = OpNe, p.sc.Consume("!=")
	case p.sc.HasPrefix("<="):
		op, _ = OpLe, p.sc.Consume("<=")
	case p.sc.HasPrefix(">="):
		op, _ = OpGe, p.sc.Consume(">=")
	case p.sc.HasPrefix("<"):
		op, _ = OpLt, p.sc.Consume("<")
	case p.sc.HasPrefix(">"):
		op, _ = OpGt, p.sc.Consume(">")
	default:
		return left, nil
	}
	p.sc.SkipSpaces()
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return &BinaryNode{Op: op, Left: left, Right: right}, nil
}

func (p *Parser) parseAdd() (Node, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		p.sc.SkipSpaces()
		switch p.sc.Peek() {
		case '+':
			p.sc.Next()
			p.sc.SkipSpaces()
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left = &BinaryNode{Op: OpAdd, Left: left, Right: right}
		case '-':
			p.sc.Next()
			p.sc.SkipSpaces()
			right, err := p.parseMul()
			if err != nil {
				return nil, err
			}
			left = &BinaryNode{Op: OpSub, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseMul() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.sc.SkipSpaces()
		switch p.sc.Peek() {
		case '*':
			p.sc.Next()
			p.sc.SkipSpaces()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &BinaryNode{Op: OpMul, Left: left, Right: right}
		case '/':
			p.sc.Next()
			p.sc.SkipSpaces()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &BinaryNode{Op: OpDiv, Left: left, Right: right}
		case '%':
			p.sc.Next()
			p.sc.SkipSpaces()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = &BinaryNode{Op: OpMod, Left: left, Right: right}
		default:
			return left, nil
		}
	}
}

func (p *Parser) parseUnary() (Node, error) {
	p.sc.SkipSpaces()
	_, line, col := p.sc.Pos()
	if p.sc.Peek() == '-' {
		p.sc.Next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{baseNode: newBase(line, col), Op: OpNeg, X: x}, nil
	}
	return p.parseAtom()
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func (p *Parser) parseAtom() (Node, error) {
	p.sc.SkipSpaces()
	_, line, col := p.sc.Pos()
	if p.sc.Eof() {
		return nil, p.errAt("unexpected end of expression")
	}
	r := p.sc.Peek()
	switch {
	case isDigit(r):
		return p.parseNumber()
	case r == '\'':
		return p.parseSingleQuoted()
	case r == '"':
		return p.parseDoubleQuoted()
	case r == '$':
		node, ok, err := p.tryParseReference()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, p.errAt("expected reference")
		}
		return node, nil
	case r == '(':
		p.sc.Next()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.sc.SkipSpaces()
		if !p.sc.Consume(")") {
			return nil, p.errAt("expected ')'")
		}
		return e, nil
	case r == '[':
		return p.parseListOrRange()
	case r == '{':
		return p.parseMap()
	case lexer.IdentStart(r):
		word := p.sc.ScanIdent()
		switch word {
		case "true":
			return &LiteralNode{baseNode: newBase(line, col), Kind: LitBool, Bool: true}, nil
		case "false":
			return &LiteralNode{baseNode: newBase(line, col), Kind: LitBool, Bool: false}, nil
		case "null":
			return &LiteralNode{baseNode: newBase(line, col), Kind: LitNull}, nil
		default:
			return nil, p.errAtPos(line, col, "unexpected identifier %q in expression", word)
		}
	default:
		return nil, p.errAtPos(line, col, "unexpected character %q in expression", string(r))
	}
}

func (p *Parser) parseNumber() (Node, error) {
	_, line, col := p.sc.Pos()
	var b strings.Builder
	for isDigit(p.sc.Peek()) {
		b.WriteRune(p.sc.Next())
	}
	isFloat := false
	if p.sc.Peek() == '.' && isDigit(p.sc.PeekAt(1)) {
		isFloat = true
		b.WriteRune(p.sc.Next())
		for isDigit(p.sc.Peek()) {
			b.WriteRune(p.sc.Next())
		}
	}
	if isFloat {
		f, err := strconv.ParseFloat(b.String(), 64)
		if err != nil {
			return nil, p.errAtPos(line, col, "invalid float literal %q", b.String())
		}
		return &LiteralNode{baseNode: newBase(line, col), Kind: LitFloat, Float: f}, nil
	}
	n, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return nil, p.errAtPos(line, col, "invalid integer literal %q", b.String())
	}
	return &LiteralNode{baseNode: newBase(line, col), Kind: LitInt, Int: n}, nil
}

func (p *Parser) parseSingleQuoted() (Node, error) {
	_, line, col := p.sc.Pos()
	p.sc.Next() // opening '
	var b strings.Builder
	for {
		if p.sc.Eof() {
			return nil, p.errAtPos(line, col, "unterminated string literal")
		}
		r := p.sc.Next()
		if r == '\'' {
			break
		}
		if r == '\\' && (p.sc.Peek() == '\'' || p.sc.Peek() == '\\') {
			b.WriteRune(p.sc.Next())
			continue
		}
		b.WriteRune(r)
	}
	return &LiteralNode{baseNode: newBase(line, col), Kind: LitString, Str: b.String()}, nil
}

func (p *Parser) parseDoubleQuoted() (Node, error) {
	_, line, col := p.sc.Pos()
	p.sc.Next() // opening "
	var parts []Node
	var textBuf strings.Builder
	tline, tcol := line, col
	flush := func() {
		if textBuf.Len() > 0 {
			parts = append(parts, &TextNode{baseNode: newBase(tline, tcol), Value: textBuf.String()})
			textBuf.Reset()
		}
	}
	for {
		if p.sc.Eof() {
			return nil, p.errAtPos(line, col, "unterminated string literal")
		}
		r := p.sc.Peek()
		if r == '"' {
			p.sc.Next()
			break
		}
		if r == '\\' && (p.sc.PeekAt(1) == '"' || p.sc.PeekAt(1) == '\\') {
			p.sc.Next()
			if textBuf.Len() == 0 {
				_, tline, tcol = p.sc.Pos()
			}
			textBuf.WriteRune(p.sc.Next())
			continue
		}
		if r == '$' {
			ref, ok, err := p.tryParseReference()
			if err != nil {
				return nil, err
			}
			if ok {
				flush()
				parts = append(parts, ref)
				continue
			}
		}
		if textBuf.Len() == 0 {
			_, tline, tcol = p.sc.Pos()
		}
		textBuf.WriteRune(p.sc.Next())
	}
	flush()
	if len(parts) == 0 {
		return &LiteralNode{baseNode: newBase(line, col), Kind: LitString, Str: ""}, nil
	}
	if len(parts) == 1 {
		if t, ok := parts[0].(*TextNode); ok {
			return &LiteralNode{baseNode: newBase(line, col), Kind: LitString, Str: t.Value}, nil
		}
	}
	return &InterpNode{baseNode: newBase(line, col), Parts: parts}, nil
}

func (p *Parser) parseListOrRange() (Node, error) {
	_, line, col := p.sc.Pos()
	p.sc.Next() // '['
	p.sc.SkipSpaces()
	if p.sc.Peek() == ']' {
		p.sc.Next()
		return &LiteralNode{baseNode: newBase(line, col), Kind: LitList}, nil
	}
	first, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	if p.sc.Consume("..") {
		p.sc.SkipSpaces()
		second, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.sc.SkipSpaces()
		if !p.sc.Consume("]") {
			return nil, p.errAt("expected ']' closing range")
		}
		return &LiteralNode{baseNode: newBase(line, col), Kind: LitRange, List: []Node{first, second}, Incl: true}, nil
	}
	items := []Node{first}
	for {
		p.sc.SkipSpaces()
		if p.sc.Consume(",") {
			p.sc.SkipSpaces()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			items = append(items, e)
			continue
		}
		break
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume("]") {
		return nil, p.errAt("expected ']' closing list")
	}
	return &LiteralNode{baseNode: newBase(line, col), Kind: LitList, List: items}, nil
}

func (p *Parser) parseMap() (Node, error) {
	_, line, col := p.sc.Pos()
	p.sc.Next() // '{'
	p.sc.SkipSpaces()
	if p.sc.Peek() == '}' {
		p.sc.Next()
		return &LiteralNode{baseNode: newBase(line, col), Kind: LitMap}, nil
	}
	var entries []MapEntry
	for {
		p.sc.SkipSpaces()
		k, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.sc.SkipSpaces()
		if !p.sc.Consume(":") {
			return nil, p.errAt("expected ':' in map literal")
		}
		p.sc.SkipSpaces()
		v, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		entries = append(entries, MapEntry{Key: k, Value: v})
		p.sc.SkipSpaces()
		if p.sc.Consume(",") {
			continue
		}
		break
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume("}") {
		return nil, p.errAt("expected '}' closing map")
	}
	return &LiteralNode{baseNode: newBase(line, col), Kind: LitMap, Map: entries}, nil
}

// --- directives and comments ---

// tryParseDirectiveOrComment consumes a `#`-prefixed construct: a comment
// (handled inline, produces no node), a structural stop word
// (`end`/`else`/`elseif`, header only), a reserved directive (fully parsed,
// body included), or a macro call `#name(args)`. If the `#` does not start
// any of these, it rewinds and reports consumed=false so the caller treats
// the `#` as literal text.
func (p *Parser) tryParseDirectiveOrComment() (node Node, stopWord string, consumed bool, err error) {
	m := p.sc.Mark()
	_, line, col := p.sc.Pos()
	p.sc.Next() // '#'

	if p.sc.Peek() == '#' {
		p.sc.Next()
		for !p.sc.Eof() && p.sc.Peek() != '\n' {
			p.sc.Next()
		}
		return nil, "", true, nil
	}
	if p.sc.Peek() == '*' {
		p.sc.Next()
		for !p.sc.Eof() {
			if p.sc.Consume("*#") {
				break
			}
			p.sc.Next()
		}
		return nil, "", true, nil
	}

	braced := p.sc.Consume("{")
	word, ok := p.sc.ScanDirectiveWord()
	if !ok {
		if word == "" || braced || p.sc.Peek() != '(' {
			p.sc.Reset(m)
			return nil, "", false, nil
		}
		args, aerr := p.parseArgList()
		if aerr != nil {
			return nil, "", false, aerr
		}
		return &MacroCallNode{baseNode: newBase(line, col), Name: word, Args: args}, "", true, nil
	}
	if braced {
		if !p.sc.Consume("}") {
			p.sc.Reset(m)
			return nil, "", false, nil
		}
	}

	switch word {
	case "end", "else", "elseif":
		return nil, word, true, nil
	case "if":
		n, e := p.parseIfBody(line, col)
		return n, "", true, e
	case "foreach":
		n, e := p.parseForeachBody(line, col)
		return n, "", true, e
	case "set":
		n, e := p.parseSetBody(line, col)
		return n, "", true, e
	case "macro":
		n, e := p.parseMacroDefBody(line, col)
		return n, "", true, e
	case "include":
		n, e := p.parseIncludeBody(line, col)
		return n, "", true, e
	case "parse":
		n, e := p.parseParseBody(line, col)
		return n, "", true, e
	case "stop":
		p.maybeGobble()
		return &StopNode{baseNode: newBase(line, col)}, "", true, nil
	case "define":
		n, e := p.parseDefineBody(line, col)
		return n, "", true, e
	case "evaluate":
		n, e := p.parseEvaluateBody(line, col)
		return n, "", true, e
	case "noescape":
		n, e := p.parseNoescapeBody(line, col)
		return n, "", true, e
	}
	return nil, "", false, p.errAtPos(line, col, "unhandled directive #%s", word)
}

func (p *Parser) parseIfBody(line, col int) (Node, error) {
	cond, err := p.parseParenExpr()
	if err != nil {
		return nil, err
	}
	p.maybeGobble()
	body, stopWord, err := p.parseBlocks()
	if err != nil {
		return nil, err
	}
	branches := []Branch{{Cond: cond, Body: body}}
	for stopWord == "elseif" {
		c, err := p.parseParenExpr()
		if err != nil {
			return nil, err
		}
		p.maybeGobble()
		b, sw, err := p.parseBlocks()
		if err != nil {
			return nil, err
		}
		branches = append(branches, Branch{Cond: c, Body: b})
		stopWord = sw
	}
	if stopWord == "else" {
		p.maybeGobble()
		b, sw, err := p.parseBlocks()
		if err != nil {
			return nil, err
		}
		branches = append(branches, Branch{Cond: nil, Body: b})
		stopWord = sw
	}
	if stopWord != "end" {
		return nil, p.errAtPos(line, col, "expected #end closing #if opened at %d:%d", line, col)
	}
	p.maybeGobble()
	return &IfNode{baseNode: newBase(line, col), Branches: branches}, nil
}

func (p *Parser) parseForeachBody(line, col int) (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '(' after #foreach")
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume("$") {
		return nil, p.errAt("expected '$' naming the loop variable")
	}
	if !lexer.IdentStart(p.sc.Peek()) {
		return nil, p.errAt("expected identifier naming the loop variable")
	}
	varName := p.sc.ScanIdent()
	p.sc.SkipSpaces()
	if !lexer.IdentStart(p.sc.Peek()) {
		return nil, p.errAt("expected 'in' in #foreach")
	}
	kw := p.sc.ScanIdent()
	if kw != "in" {
		return nil, p.errAt("expected 'in', got %q", kw)
	}
	p.sc.SkipSpaces()
	iterable, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing #foreach")
	}
	p.maybeGobble()
	body, stopWord, err := p.parseBlocks()
	if err != nil {
		return nil, err
	}
	if stopWord != "end" {
		return nil, p.errAtPos(line, col, "expected #end closing #foreach opened at %d:%d", line, col)
	}
	p.maybeGobble()
	return &ForeachNode{baseNode: newBase(line, col), Var: varName, Iterable: iterable, Body: body}, nil
}

func (p *Parser) parseSetBody(line, col int) (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '(' after #set")
	}
	p.sc.SkipSpaces()
	lhs, err := p.parseLhsPath()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume("=") {
		return nil, p.errAt("expected '=' in #set")
	}
	p.sc.SkipSpaces()
	rhs, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing #set")
	}
	p.maybeGobble()
	return &SetNode{baseNode: newBase(line, col), Lhs: lhs, Rhs: rhs}, nil
}

func (p *Parser) parseMacroDefBody(line, col int) (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '(' after #macro")
	}
	p.sc.SkipSpaces()
	if !lexer.IdentStart(p.sc.Peek()) {
		return nil, p.errAt("expected macro name")
	}
	name := p.sc.ScanIdent()
	var params []string
	for {
		p.sc.SkipSpaces()
		if p.sc.Peek() != '$' {
			break
		}
		p.sc.Next()
		if !lexer.IdentStart(p.sc.Peek()) {
			return nil, p.errAt("expected parameter name after '$'")
		}
		params = append(params, p.sc.ScanIdent())
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing #macro parameters")
	}
	p.maybeGobble()
	body, stopWord, err := p.parseBlocks()
	if err != nil {
		return nil, err
	}
	if stopWord != "end" {
		return nil, p.errAtPos(line, col, "expected #end closing #macro opened at %d:%d", line, col)
	}
	p.maybeGobble()
	return &MacroDefNode{baseNode: newBase(line, col), Name: name, Params: params, Body: body}, nil
}

func (p *Parser) parseIncludeBody(line, col int) (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '(' after #include")
	}
	var exprs []Node
	for {
		p.sc.SkipSpaces()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, e)
		p.sc.SkipSpaces()
		if p.sc.Consume(",") {
			continue
		}
		break
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing #include")
	}
	p.maybeGobble()
	return &IncludeNode{baseNode: newBase(line, col), Exprs: exprs}, nil
}

func (p *Parser) parseParseBody(line, col int) (Node, error) {
	e, err := p.parseParenExpr()
	if err != nil {
		return nil, err
	}
	p.maybeGobble()
	return &ParseNode{baseNode: newBase(line, col), Expr: e}, nil
}

func (p *Parser) parseDefineBody(line, col int) (Node, error) {
	p.sc.SkipSpaces()
	if !p.sc.Consume("(") {
		return nil, p.errAt("expected '(' after #define")
	}
	p.sc.SkipSpaces()
	if !p.sc.Consume("$") {
		return nil, p.errAt("expected '$' naming #define target")
	}
	if !lexer.IdentStart(p.sc.Peek()) {
		return nil, p.errAt("expected identifier after '$' in #define")
	}
	name := p.sc.ScanIdent()
	p.sc.SkipSpaces()
	if !p.sc.Consume(")") {
		return nil, p.errAt("expected ')' closing #define")
	}
	p.maybeGobble()
	body, stopWord, err := p.parseBlocks()
	if err != nil {
		return nil, err
	}
	if stopWord != "end" {
		return nil, p.errAtPos(line, col, "expected #end closing #define opened at %d:%d", line, col)
	}
	p.maybeGobble()
	return &DefineNode{baseNode: newBase(line, col), Name: name, Body: body}, nil
}

func (p *Parser) parseEvaluateBody(line, col int) (Node, error) {
	e, err := p.parseParenExpr()
	if err != nil {
		return nil, err
	}
	p.maybeGobble()
	return &EvaluateNode{baseNode: newBase(line, col), Expr: e}, nil
}

func (p *Parser) parseNoescapeBody(line, col int) (Node, error) {
	p.maybeGobble()
	var raw strings.Builder
	for {
		if p.sc.Eof() {
			return nil, p.errAtPos(line, col, "unterminated #noescape opened at %d:%d", line, col)
		}
		if p.sc.HasPrefix("#{end}") {
			p.sc.Consume("#{end}")
			p.maybeGobble()
			return &NoescapeNode{baseNode: newBase(line, col), Raw: raw.String()}, nil
		}
		if p.sc.HasPrefix("#end") {
			p.sc.Consume("#end")
			p.maybeGobble()
			return &NoescapeNode{baseNode: newBase(line, col), Raw: raw.String()}, nil
		}
		raw.WriteRune(p.sc.Next())
	}
}
