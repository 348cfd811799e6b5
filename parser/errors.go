package parser

import "fmt"

// SyntaxError is a parse-time failure: the offending source name, 1-based
// line/column, and what the parser expected there (spec §4.2 error policy,
// §7 TemplateSyntaxError).
type SyntaxError struct {
	Name    string
	Line    int
	Column  int
	Message string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.Name, e.Line, e.Column, e.Message)
}

func newSyntaxError(name string, line, col int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Name: name, Line: line, Column: col, Message: fmt.Sprintf(format, args...)}
}
