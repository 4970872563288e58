// Package sqltemplate turns literal SQL statements into canonical templates.
//
// Every integer, floating-point and string constant is replaced by a
// positional placeholder $1, $2, ... numbered by order of appearance, and the
// replaced source texts are returned in the same order. Bind parameters that
// survived substitution ($7) are replaced the same way, with "$7" as their
// text. All other tokens are
// copied verbatim; whitespace and comments are normalized away. The
// transformation is purely lexical and deterministic.
package sqltemplate

import (
	"strconv"
	"strings"
)

// Result is a templated statement.
type Result struct {
	Template string
	Params   []string // source text of each replaced constant, index i is $i+1
}

// Templater renders templates with fixed options. It holds no mutable state
// and is safe for concurrent use.
type Templater struct {
	opts Options
}

// New creates a templater.
func New(opts Options) *Templater {
	return &Templater{opts: opts}
}

var defaultTemplater = New(DefaultOptions())

// Template templates sql with the default options.
func Template(sql string) (Result, error) {
	return defaultTemplater.Template(sql)
}

// Template scans sql and replaces its constants with placeholders.
// A *TokenizationError is returned for unterminated or unclassifiable input.
func (t *Templater) Template(sql string) (Result, error) {
	s := scanner{src: sql}
	var b strings.Builder
	b.Grow(len(sql))
	params := make([]string, 0, 4)

	for {
		tok, gap, ok, err := s.next()
		if err != nil {
			return Result{}, err
		}
		if !ok {
			break
		}

		if b.Len() > 0 && (gap || !t.opts.PreserveAdjacency) {
			b.WriteByte(' ')
		}

		// A bind parameter left unsubstituted is renumbered like a constant,
		// so placeholder numbers stay unique.
		if tok.Kind.IsConstant() || tok.Kind == TokenParam {
			params = append(params, tok.Text(sql))
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(len(params)))
			continue
		}
		b.WriteString(tok.Text(sql))
	}

	return Result{Template: b.String(), Params: params}, nil
}
