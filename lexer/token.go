// Package lexer provides the character-cursor scanner the parser drives
// directly. There is no separate tokenization pass: the parser calls into
// the Scanner to consume runes, peek ahead, and mark/reset the cursor at the
// three bounded-backtracking sites the grammar requires (the `#` directive
// prefix, the `$` reference prefix, and `${…}` brace disambiguation).
package lexer

// DirectiveKind identifies one of the closed set of reserved directive
// names recognized after a `#` prefix. An unrecognized `#`-word is not a
// DirectiveKind at all — it is literal text, decided by the Scanner's
// Mark/Reset backtracking rather than by this enumeration.
type DirectiveKind int

const (
	DirIf DirectiveKind = iota
	DirElseIf
	DirElse
	DirEnd
	DirForeach
	DirSet
	DirMacro
	DirInclude
	DirParse
	DirStop
	DirDefine
	DirEvaluate
	DirNoescape
)

// directiveNames is the closed set from spec §4.2. Order does not matter;
// lookups are by name.
var directiveNames = map[string]DirectiveKind{
	"if":       DirIf,
	"elseif":   DirElseIf,
	"else":     DirElse,
	"end":      DirEnd,
	"foreach":  DirForeach,
	"set":      DirSet,
	"macro":    DirMacro,
	"include":  DirInclude,
	"parse":    DirParse,
	"stop":     DirStop,
	"define":   DirDefine,
	"evaluate": DirEvaluate,
	"noescape": DirNoescape,
}

// LookupDirective resolves a bare word (no `#`, no braces) to a
// DirectiveKind. ok is false for anything outside the closed set, which the
// caller must then treat as literal text.
func LookupDirective(word string) (DirectiveKind, bool) {
	k, ok := directiveNames[word]
	return k, ok
}
