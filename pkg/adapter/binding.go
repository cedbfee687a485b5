package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
)

// BindNamed rewrites named placeholders (":name") in a statement to the
// engine's native positional syntax and returns the argument list in
// occurrence order. The rewrite is total and order-preserving: every
// occurrence of a recognized name is replaced exactly once, and string
// literals, quoted identifiers, comments, and Postgres "::" casts are
// left untouched.
//
// The policy for unknown names is strict: a placeholder with no
// matching entry in the parameter map fails with a QueryError instead
// of being silently dropped.
func BindNamed(engine dbcapabilities.DatabaseID, style dbcapabilities.PlaceholderStyle, query string, params map[string]interface{}) (string, []interface{}, error) {
	var out strings.Builder
	out.Grow(len(query) + 16)

	var args []interface{}
	// For the dollar style each distinct name gets one ordinal, assigned
	// in first-occurrence order.
	ordinals := make(map[string]int)

	i := 0
	n := len(query)
	for i < n {
		ch := query[i]

		switch {
		case ch == '\'' || ch == '"' || ch == '`':
			end, ok := skipQuoted(query, i)
			if !ok {
				return "", nil, NewQueryError(engine, query,
					fmt.Errorf("%w: unterminated %q literal", ErrInvalidQuery, ch))
			}
			out.WriteString(query[i:end])
			i = end

		case ch == '-' && i+1 < n && query[i+1] == '-':
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				out.WriteString(query[i:])
				i = n
			} else {
				out.WriteString(query[i : i+end+1])
				i += end + 1
			}

		case ch == '/' && i+1 < n && query[i+1] == '*':
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				out.WriteString(query[i:])
				i = n
			} else {
				out.WriteString(query[i : i+end+4])
				i += end + 4
			}

		case ch == ':':
			// "::" is a Postgres cast, not a placeholder.
			if i+1 < n && query[i+1] == ':' {
				out.WriteString("::")
				i += 2
				continue
			}
			name, end := readIdentifier(query, i+1)
			if name == "" {
				out.WriteByte(ch)
				i++
				continue
			}

			value, ok := params[name]
			if !ok {
				return "", nil, NewQueryError(engine, query,
					fmt.Errorf("%w: %q", ErrMissingParameter, name))
			}

			switch style {
			case dbcapabilities.PlaceholderDollar:
				ord, seen := ordinals[name]
				if !seen {
					ord = len(ordinals) + 1
					ordinals[name] = ord
					args = append(args, value)
				}
				fmt.Fprintf(&out, "$%d", ord)
			case dbcapabilities.PlaceholderQuestion:
				out.WriteByte('?')
				args = append(args, value)
			default:
				return "", nil, NewQueryError(engine, query,
					fmt.Errorf("%w: placeholder style %q has no positional rewrite", ErrInvalidQuery, style))
			}
			i = end

		default:
			out.WriteByte(ch)
			i++
		}
	}

	return out.String(), args, nil
}

// BindDocument substitutes named placeholders in an extended-JSON
// command document, JSON-encoding each value. Used by document-store
// engines where the statement is a structured document rather than SQL.
// The missing-name policy is strict, matching BindNamed.
func BindDocument(engine dbcapabilities.DatabaseID, command string, params map[string]interface{}) (string, error) {
	var out strings.Builder
	out.Grow(len(command) + 16)

	i := 0
	n := len(command)
	for i < n {
		ch := command[i]

		switch {
		case ch == '"':
			end, ok := skipQuoted(command, i)
			if !ok {
				return "", NewQueryError(engine, command,
					fmt.Errorf("%w: unterminated string", ErrInvalidQuery))
			}
			out.WriteString(command[i:end])
			i = end

		case ch == ':':
			name, end := readIdentifier(command, i+1)
			if name == "" {
				out.WriteByte(ch)
				i++
				continue
			}

			value, ok := params[name]
			if !ok {
				return "", NewQueryError(engine, command,
					fmt.Errorf("%w: %q", ErrMissingParameter, name))
			}
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", NewQueryError(engine, command,
					fmt.Errorf("encoding parameter %q: %w", name, err))
			}
			out.Write(encoded)
			i = end

		default:
			out.WriteByte(ch)
			i++
		}
	}

	return out.String(), nil
}

// skipQuoted returns the index just past a quoted region starting at
// start, honoring doubled-quote escapes. ok is false when the region
// never closes.
func skipQuoted(s string, start int) (end int, ok bool) {
	quote := s[start]
	i := start + 1
	for i < len(s) {
		if s[i] == '\\' && quote != '`' {
			i += 2
			continue
		}
		if s[i] == quote {
			if i+1 < len(s) && s[i+1] == quote {
				i += 2
				continue
			}
			return i + 1, true
		}
		i++
	}
	return len(s), false
}

// readIdentifier reads a placeholder name starting at start. Returns
// the empty string when start does not begin an identifier.
func readIdentifier(s string, start int) (name string, end int) {
	i := start
	for i < len(s) {
		ch := s[i]
		if ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (i > start && ch >= '0' && ch <= '9') {
			i++
			continue
		}
		break
	}
	if i == start {
		return "", start
	}
	return s[start:i], i
}
