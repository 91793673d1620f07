package arc

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrInvalidExtension is returned for filters or fields that would break the query.
var ErrInvalidExtension = errors.New("invalid query extension")

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// Filter is one extra "key:value" clause. Negated filters render as "NOT key:value".
type Filter struct {
	Key    string
	Value  string
	Negate bool
}

func (f Filter) String() string {
	v := f.Value
	if strings.ContainsAny(v, " \t:()") {
		v = `"` + v + `"`
	}
	clause := f.Key + ":" + v
	if f.Negate {
		return "NOT " + clause
	}
	return clause
}

// Extension narrows a search with extra filters and widens the returned source with extra
// fields. The zero value adds nothing.
type Extension struct {
	Filters []Filter
	Fields  []string
}

// ParseExtension reads filters of the form "key=value" (or "!key=value" to negate) and
// bare field names.
func ParseExtension(filters, fields []string) (Extension, error) {
	var ext Extension
	for _, raw := range filters {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		var f Filter
		if strings.HasPrefix(raw, "!") {
			f.Negate = true
			raw = raw[1:]
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return Extension{}, fmt.Errorf("%w: filter %q is not key=value", ErrInvalidExtension, raw)
		}
		f.Key, f.Value = strings.TrimSpace(key), strings.TrimSpace(value)
		ext.Filters = append(ext.Filters, f)
	}
	for _, raw := range fields {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				ext.Fields = append(ext.Fields, name)
			}
		}
	}
	return ext, ext.Validate()
}

// Validate rejects keys and fields that are not plain dotted names and values that could
// escape their clause.
func (e Extension) Validate() error {
	for _, f := range e.Filters {
		if !fieldName.MatchString(f.Key) {
			return fmt.Errorf("%w: filter key %q", ErrInvalidExtension, f.Key)
		}
		if f.Value == "" || strings.ContainsAny(f.Value, "\"\\[]{}") {
			return fmt.Errorf("%w: filter value %q for %s", ErrInvalidExtension, f.Value, f.Key)
		}
	}
	for _, name := range e.Fields {
		if !fieldName.MatchString(name) {
			return fmt.Errorf("%w: field %q", ErrInvalidExtension, name)
		}
	}
	return nil
}

// Empty reports whether the extension adds nothing.
func (e Extension) Empty() bool { return len(e.Filters) == 0 && len(e.Fields) == 0 }

// Clause renders the filters joined with AND, or "" when there are none.
func (e Extension) Clause() string {
	parts := make([]string, len(e.Filters))
	for i, f := range e.Filters {
		parts[i] = f.String()
	}
	return strings.Join(parts, " AND ")
}

// Label is a stable, filename-friendly summary of the filters.
func (e Extension) Label() string {
	parts := make([]string, len(e.Filters))
	for i, f := range e.Filters {
		parts[i] = f.String()
	}
	sort.Strings(parts)
	return strings.Join(parts, "_")
}
