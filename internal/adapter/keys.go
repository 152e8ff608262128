package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// KeyResolver derives the natural key of a raw record. Implementations must be
// pure and deterministic.
type KeyResolver interface {
	ResolveKey(raw json.RawMessage) (string, error)
}

// KeyResolverFunc lets a plain function serve as a KeyResolver.
type KeyResolverFunc func(raw json.RawMessage) (string, error)

// ResolveKey implements KeyResolver.
func (f KeyResolverFunc) ResolveKey(raw json.RawMessage) (string, error) {
	return f(raw)
}

// FieldKeyResolver joins the values at a fixed list of gjson paths.
type FieldKeyResolver struct {
	Paths []string
}

// ResolveKey implements KeyResolver.
func (r FieldKeyResolver) ResolveKey(raw json.RawMessage) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "", &DataShapeError{Reason: "record is not valid JSON"}
	}
	if len(r.Paths) == 0 {
		return "", &DataShapeError{Reason: "no key paths configured"}
	}

	parts := make([]string, 0, len(r.Paths))
	for _, path := range r.Paths {
		v := gjson.GetBytes(raw, path)
		if !v.Exists() || v.Type == gjson.Null {
			return "", &DataShapeError{Reason: fmt.Sprintf("missing key field %q", path)}
		}
		s := v.String()
		if s == "" {
			return "", &DataShapeError{Reason: fmt.Sprintf("empty key field %q", path)}
		}
		if v.IsObject() || v.IsArray() {
			return "", &DataShapeError{Reason: fmt.Sprintf("key field %q is not a scalar", path)}
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "|"), nil
}
