package airspeed

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"golang.org/x/xerrors"

	"github.com/go-airspeed/airspeed/parser"
	"github.com/go-airspeed/airspeed/runtime"
)

// The four error kinds a host can distinguish on (spec §7): a template
// failed to parse, a template failed to render, a Loader could not resolve
// a name, or a host method invoked from a template returned an error.
//
// TemplateSyntaxError and TemplateExecutionError alias the parser/runtime
// types directly rather than wrapping them, so errors.As against either
// name also matches an unwrapped *parser.SyntaxError/*runtime.ExecutionError
// returned straight from Parse/Merge.
type (
	TemplateSyntaxError    = parser.SyntaxError
	TemplateExecutionError = runtime.ExecutionError
	HostError              = runtime.HostError
)

// TemplateNotFound reports that a Loader could not resolve a name
// referenced by #include/#parse.
type TemplateNotFound struct {
	Name string
	Err  error
}

func (e *TemplateNotFound) Error() string {
	return fmt.Sprintf("template not found: %s: %v", e.Name, e.Err)
}

func (e *TemplateNotFound) Unwrap() error { return e.Err }

// classify converts a runtime.NotFoundError from Parse/Merge into a
// TemplateNotFound, preserving the original as the xerrors cause so callers
// can still errors.As/Is through it. Any other error is returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var nf *runtime.NotFoundError
	if errors.As(err, &nf) {
		return &TemplateNotFound{Name: nf.Name, Err: xerrors.Errorf("loader: %w", err)}
	}
	return err
}

// IsNotFound reports whether err is, or wraps, a TemplateNotFound.
func IsNotFound(err error) bool {
	var nf *TemplateNotFound
	return errors.As(err, &nf)
}

// IsSyntaxError reports whether err is, or wraps, a TemplateSyntaxError.
func IsSyntaxError(err error) bool {
	var se *TemplateSyntaxError
	return errors.As(err, &se)
}

// IsExecutionError reports whether err is, or wraps, a TemplateExecutionError.
func IsExecutionError(err error) bool {
	var ee *TemplateExecutionError
	return errors.As(err, &ee)
}

// FormatError renders err for a terminal: the offending source line plus a
// caret under the column, colorized when w is an attached tty. Hosts
// writing CLI tooling around the engine (out of scope per spec §1) are the
// intended caller; the engine itself never writes to a terminal.
func FormatError(w io.Writer, source string, err error) {
	var (
		line, col int
		name      string
	)
	var se *TemplateSyntaxError
	var ee *TemplateExecutionError
	switch {
	case errors.As(err, &se):
		line, col, name = se.Line, se.Column, se.Name
	case errors.As(err, &ee):
		line, col, name = ee.Line, ee.Column, ee.Name
	default:
		fmt.Fprintln(w, err)
		return
	}

	colorize := false
	if f, ok := w.(interface{ Fd() uintptr }); ok {
		colorize = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	bold := color.New(color.Bold)
	red := color.New(color.FgRed, color.Bold)
	if !colorize {
		bold.DisableColor()
		red.DisableColor()
	}

	bold.Fprintf(w, "%s:%d:%d: ", name, line, col)
	red.Fprintln(w, err)

	srcLine := sourceLine(source, line)
	if srcLine == "" {
		return
	}
	fmt.Fprintf(w, "    %s\n", srcLine)
	if col > 0 && col <= len(srcLine)+1 {
		fmt.Fprintf(w, "    %s^\n", spaces(col-1))
	}
}

func sourceLine(source string, n int) string {
	line := 1
	start := 0
	for i := 0; i < len(source); i++ {
		if line == n {
			end := len(source)
			if j := indexByteFrom(source, i, '\n'); j >= 0 {
				end = j
			}
			return source[start:end]
		}
		if source[i] == '\n' {
			line++
			start = i + 1
		}
	}
	if line == n {
		return source[start:]
	}
	return ""
}

func indexByteFrom(s string, from int, b byte) int {
	for i := from; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func spaces(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	return string(b)
}
