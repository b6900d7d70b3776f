package interp

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Context maps dotted names (e.g. "map.results", "item.id") to JSON-shaped
// values. Lookup takes the longest dotted prefix that maps to a value and
// navigates the remaining components into objects and arrays.
type Context struct {
	values map[string]any
}

// NewContext creates an empty context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Fork returns a copy sharing no map structure at the top level. Values are
// not deep-copied; callers treat them as immutable once set.
func (c *Context) Fork() *Context {
	child := &Context{values: make(map[string]any, len(c.values))}
	for k, v := range c.values {
		child.values[k] = v
	}
	return child
}

// Set binds a dotted name to a value. json.RawMessage values are decoded so
// that navigation works uniformly.
func (c *Context) Set(name string, value any) {
	if raw, ok := value.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			c.values[name] = decoded
			return
		}
		c.values[name] = string(raw)
		return
	}
	c.values[name] = value
}

// SetAll binds every entry of m.
func (c *Context) SetAll(m map[string]any) {
	for k, v := range m {
		c.Set(k, v)
	}
}

// SetScalars binds string values, e.g. a step env block.
func (c *Context) SetScalars(m map[string]string) {
	for k, v := range m {
		c.values[k] = v
	}
}

// Names returns all bound dotted names, sorted.
func (c *Context) Names() []string {
	names := make([]string, 0, len(c.values))
	for k := range c.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Scalars returns only the scalar bindings rendered as strings. This is the
// set safe to pass through a subprocess environment; arrays and objects such
// as map.results stay out of env blocks.
func (c *Context) Scalars() map[string]string {
	out := make(map[string]string)
	for k, v := range c.values {
		if s, ok := renderScalar(v); ok {
			out[k] = s
		}
	}
	return out
}

// Lookup resolves a dotted path with optional [i] indexers.
func (c *Context) Lookup(path string) (any, bool) {
	tokens, err := parsePath(path)
	if err != nil {
		return nil, false
	}

	// Count leading field tokens usable as a dotted prefix.
	leadFields := 0
	for _, tok := range tokens {
		if tok.index >= 0 {
			break
		}
		leadFields++
	}

	// Longest dotted prefix wins.
	for n := leadFields; n >= 1; n-- {
		parts := make([]string, 0, n)
		for i := 0; i < n; i++ {
			parts = append(parts, tokens[i].field)
		}
		prefix := strings.Join(parts, ".")
		value, ok := c.values[prefix]
		if !ok {
			continue
		}
		return navigate(value, tokens[n:])
	}

	return nil, false
}

// pathToken is one component of a parsed path: a field name or an index.
type pathToken struct {
	field string
	index int // -1 for field tokens
}

func parsePath(path string) ([]pathToken, error) {
	if path == "" {
		return nil, errEmptyPath
	}
	var tokens []pathToken
	rest := path
	for rest != "" {
		if rest[0] == '.' {
			rest = rest[1:]
			if rest == "" {
				return nil, errBadPath
			}
			continue
		}
		if rest[0] == '[' {
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return nil, errBadPath
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil || idx < 0 {
				return nil, errBadPath
			}
			tokens = append(tokens, pathToken{index: idx})
			rest = rest[end+1:]
			continue
		}
		end := strings.IndexAny(rest, ".[")
		if end < 0 {
			end = len(rest)
		}
		tokens = append(tokens, pathToken{field: rest[:end], index: -1})
		rest = rest[end:]
	}
	if len(tokens) == 0 {
		return nil, errBadPath
	}
	return tokens, nil
}

func navigate(value any, tokens []pathToken) (any, bool) {
	current := value
	for _, tok := range tokens {
		if tok.index >= 0 {
			arr, ok := current.([]any)
			if !ok || tok.index >= len(arr) {
				return nil, false
			}
			current = arr[tok.index]
			continue
		}
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[tok.field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func renderScalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case json.Number:
		return val.String(), true
	case nil:
		return "", true
	default:
		return "", false
	}
}
