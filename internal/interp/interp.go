// Package interp implements ${name} template substitution over a
// hierarchical JSON-shaped context. Substitution is pure: same input, same
// output, no I/O. A second pass is never performed, so substituted values
// containing ${...} tokens stay literal.
package interp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prodigy-dev/prodigy/internal/core"
)

var (
	errEmptyPath = errors.New("empty path")
	errBadPath   = errors.New("malformed path")
)

// Interpolate substitutes ${name} and ${name:-default} placeholders in
// template against ctx. Escape a dollar sign with $$. Nested ${...} is not
// supported. In strict mode an unresolved placeholder fails with the
// offending path; otherwise it is left literal.
func Interpolate(template string, ctx *Context, strict bool) (string, error) {
	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		i := strings.IndexByte(rest, '$')
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i:]

		switch {
		case strings.HasPrefix(rest, "$$"):
			b.WriteByte('$')
			rest = rest[2:]
		case strings.HasPrefix(rest, "${"):
			end := strings.IndexByte(rest, '}')
			if end < 0 {
				// Unterminated placeholder: literal.
				b.WriteString(rest)
				return b.String(), nil
			}
			expr := rest[2:end]
			placeholder := rest[:end+1]
			rest = rest[end+1:]

			resolved, err := resolve(expr, placeholder, ctx, strict)
			if err != nil {
				return "", err
			}
			b.WriteString(resolved)
		default:
			b.WriteByte('$')
			rest = rest[1:]
		}
	}
}

// resolve evaluates one placeholder expression (without the ${} wrapper).
func resolve(expr, placeholder string, ctx *Context, strict bool) (string, error) {
	path := expr
	def := ""
	hasDefault := false
	if i := strings.Index(expr, ":-"); i >= 0 {
		path = expr[:i]
		def = expr[i+2:]
		hasDefault = true
	}

	value, ok := ctx.Lookup(path)
	if !ok {
		if hasDefault {
			return def, nil
		}
		if strict {
			return "", core.ErrInterpolation(path,
				fmt.Sprintf("unresolved variable %q", path)).Trace("interpolate", "interp")
		}
		return placeholder, nil
	}

	return Render(value), nil
}

// Render converts a context value to its substitution text. Scalars render
// bare; objects and arrays render as compact JSON.
func Render(value any) string {
	if s, ok := renderScalar(value); ok {
		return s
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return string(data)
}
