package automation

import (
	"fmt"
	"strings"
)

// Predicate is a closed set of typed conditions evaluated against an event's
// decoded payload. Rules are compiled at startup; no condition text is ever
// interpreted at runtime.
type Predicate interface {
	Eval(payload map[string]any) bool
}

// EqualsField matches when the payload field equals the value
// (case-insensitive string comparison).
type EqualsField struct {
	Field string
	Value string
}

func (p EqualsField) Eval(payload map[string]any) bool {
	return strings.EqualFold(fieldString(payload, p.Field), p.Value)
}

// FieldIn matches when the payload field equals one of the values.
type FieldIn struct {
	Field  string
	Values []string
}

func (p FieldIn) Eval(payload map[string]any) bool {
	got := fieldString(payload, p.Field)
	for _, v := range p.Values {
		if strings.EqualFold(got, v) {
			return true
		}
	}
	return false
}

type And []Predicate

func (p And) Eval(payload map[string]any) bool {
	for _, sub := range p {
		if !sub.Eval(payload) {
			return false
		}
	}
	return true
}

type Or []Predicate

func (p Or) Eval(payload map[string]any) bool {
	for _, sub := range p {
		if sub.Eval(payload) {
			return true
		}
	}
	return false
}

type Not struct {
	P Predicate
}

func (p Not) Eval(payload map[string]any) bool {
	return !p.P.Eval(payload)
}

type Always struct{}

func (Always) Eval(map[string]any) bool { return true }

// fieldString resolves a dotted path ("context.reason") into the payload and
// renders the leaf as a string. Missing fields resolve to "".
func fieldString(payload map[string]any, field string) string {
	var cur any = payload
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	switch v := cur.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
