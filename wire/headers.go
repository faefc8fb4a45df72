package wire

import "strings"

// Headers is a set of header fields keyed on canonical field names.
// Multiple values for the same name keep their relative order.
type Headers struct{ underlying map[string][]string }

func NewHeaders() Headers {
	return Headers{underlying: make(map[string][]string)}
}

// Get assumes the field is a singleton field.
// Even if key has multiple values, it will only return the first one.
// For list-based fields, use [Headers.Values].
func (h *Headers) Get(key string) (value string, ok bool) {
	v, ok := h.underlying[h.canonical(key)]
	if !ok || len(v) == 0 {
		return "", false
	}
	return v[0], true
}

func (h *Headers) Values(key string) (values []string, ok bool) {
	values, ok = h.underlying[h.canonical(key)]
	return
}

func (h *Headers) Has(key string) bool {
	_, ok := h.underlying[h.canonical(key)]
	return ok
}

// Set assumes the field is a singleton field.
// It overwrites existing value instead of appending to it.
// For list-based fields, use [Headers.Add].
func (h *Headers) Set(key, value string) {
	h.underlying[h.canonical(key)] = []string{value}
}

func (h *Headers) Add(key, value string) {
	key = h.canonical(key)
	h.underlying[key] = append(h.underlying[key], value)
}

func (h *Headers) Del(key string) {
	delete(h.underlying, h.canonical(key))
}

func (h *Headers) Len() int { return len(h.underlying) }

// Fields returns all key-values as raw fields, one field per value.
func (h *Headers) Fields() []Field {
	fields := make([]Field, 0, len(h.underlying))
	for k, values := range h.underlying {
		for _, v := range values {
			fields = append(fields, Field{Name: []byte(k), Value: []byte(v)})
		}
	}
	return fields
}

// AddField merges a parsed raw field into the set.
func (h *Headers) AddField(f Field) {
	h.Add(string(f.Name), string(f.Value))
}

// ListValues returns the comma separated elements of a list-based
// field, whitespace trimmed, across all its lines.
func (h *Headers) ListValues(key string) []string {
	values, ok := h.Values(key)
	if !ok {
		return nil
	}

	elements := make([]string, 0, len(values))
	for _, v := range values {
		for _, e := range strings.Split(v, ",") {
			e = strings.TrimFunc(e, func(r rune) bool {
				return r == rune(SP) || r == rune(HTAB)
			})
			if e != "" {
				elements = append(elements, e)
			}
		}
	}

	return elements
}

func (h *Headers) canonical(s string) string {
	if IsValidToken(s) {
		s = toCanonicalFieldName(s)
	}
	return s
}

// This only works for valid token.
func toCanonicalFieldName(s string) string {
	const capitalDiff = 'a' - 'A'
	b := []byte(s)
	upper := true
	for i, c := range b {
		if upper && 'a' <= c && c <= 'z' {
			c -= capitalDiff
		} else if !upper && 'A' <= c && c <= 'Z' {
			c += capitalDiff
		}
		b[i] = c
		upper = c == '-'
	}
	return string(b)
}
