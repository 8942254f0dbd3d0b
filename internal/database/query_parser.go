package database

import (
	"fmt"
	"math"
	"strings"

	"github.com/alecthomas/participle/v2"
)

/*
Parser for the history search query language:

Query       := Expr
Expr        := OrExpr ( "OR" OrExpr )*
OrExpr      := Condition ( "AND" Condition )*
Condition   := [ "NOT" ] ( Filter | "(" Expr ")" )
Filter      := Field Op Value
Field       := "node" | "prompt" | "user" | "session" | "score" | "response"
Op          := "CONTAINS" | "<" | ">" | "="
Value       := <string> | <int>

Filters evaluate against inference records in memory, after the recency
window has been fetched.
*/

var queryParser = participle.MustBuild[QueryExpr](
	participle.Unquote("String"),
	participle.Union[Value](StringValue{}, IntValue{}),
)

func ParseHistoryQuery(query string) (Filter, error) {
	q, err := queryParser.ParseString("", query)
	if err != nil {
		return nil, fmt.Errorf("error parsing query '%s': %w", query, err)
	}

	filter, err := q.ToFilter()
	if err != nil {
		return nil, fmt.Errorf("error converting query '%s' to filter: %w", query, err)
	}

	return filter, nil
}

type Filter interface {
	Matches(rec *Inference) bool
}

type QueryExpr struct {
	Expr *Expr `parser:"@@"`
}

func (q *QueryExpr) ToFilter() (Filter, error) {
	return q.Expr.ToFilter()
}

type Expr struct {
	Ors []*OrExpr `parser:"@@ ( 'OR' @@ )*"`
}

func (e *Expr) ToFilter() (Filter, error) {
	if len(e.Ors) == 0 {
		return nil, fmt.Errorf("empty OR expression")
	}

	if len(e.Ors) == 1 {
		return e.Ors[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range e.Ors {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &orFilter{filters: filters}, nil
}

type OrExpr struct {
	Ands []*Condition `parser:"@@ ( 'AND' @@ )*"`
}

func (o *OrExpr) ToFilter() (Filter, error) {
	if len(o.Ands) == 0 {
		return nil, fmt.Errorf("empty AND expression")
	}

	if len(o.Ands) == 1 {
		return o.Ands[0].ToFilter()
	}

	var filters []Filter
	for _, cond := range o.Ands {
		f, err := cond.ToFilter()
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	return &andFilter{filters: filters}, nil
}

type Condition struct {
	Not     bool        `parser:"@'NOT'?"`
	Filter  *FilterExpr `parser:" @@"`
	SubExpr *Expr       `parser:"| '(' @@ ')' "`
}

func (c *Condition) ToFilter() (Filter, error) {
	var filter Filter
	var err error
	if c.Filter != nil {
		filter, err = c.Filter.ToFilter()
	} else if c.SubExpr != nil {
		filter, err = c.SubExpr.ToFilter()
	}

	if err != nil {
		return nil, err
	}

	if c.Not {
		filter = &notFilter{filter: filter}
	}

	return filter, nil
}

type FilterExpr struct {
	Field string `parser:"@Ident"`
	Op    string `parser:"@('CONTAINS' | '<' | '>' | '=' )"`
	Value Value  `parser:"@@"`
}

func (f *FilterExpr) ToFilter() (Filter, error) {
	field := strings.ToLower(f.Field)

	if field == "score" {
		i, ok := f.Value.(IntValue)
		if !ok {
			return nil, fmt.Errorf("score comparisons require an int value")
		}

		switch f.Op {
		case "<":
			return &scoreFilter{min: math.MinInt, max: i.Value}, nil
		case ">":
			return &scoreFilter{min: i.Value, max: math.MaxInt}, nil
		case "=":
			return &scoreFilter{min: i.Value - 1, max: i.Value + 1}, nil
		default:
			return nil, fmt.Errorf("invalid operator %s used with score", f.Op)
		}
	}

	getter, ok := fieldGetters[field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", f.Field)
	}

	s, ok := f.Value.(StringValue)
	if !ok {
		return nil, fmt.Errorf("field %q requires a string value to compare to", f.Field)
	}

	switch f.Op {
	case "CONTAINS":
		return &substringFilter{get: getter, substr: s.Value}, nil
	case "<":
		return &stringCmpFilter{get: getter, value: s.Value, want: -1}, nil
	case ">":
		return &stringCmpFilter{get: getter, value: s.Value, want: 1}, nil
	case "=":
		return &stringCmpFilter{get: getter, value: s.Value, want: 0}, nil
	default:
		return nil, fmt.Errorf("invalid operator %s used with string value", f.Op)
	}
}

var fieldGetters = map[string]func(*Inference) string{
	"node":     func(r *Inference) string { return r.NodeKey },
	"prompt":   func(r *Inference) string { return r.PromptKey },
	"user":     func(r *Inference) string { return r.UserKey },
	"session":  func(r *Inference) string { return r.SessionId },
	"response": func(r *Inference) string { return r.Response },
}

type Value interface{ value() }

type StringValue struct {
	Value string `parser:"@String"`
}

func (s StringValue) value() {}

type IntValue struct {
	Value int `parser:"@Int"`
}

func (i IntValue) value() {}

type andFilter struct {
	filters []Filter
}

func (f *andFilter) Matches(rec *Inference) bool {
	for _, filter := range f.filters {
		if !filter.Matches(rec) {
			return false
		}
	}
	return true
}

type orFilter struct {
	filters []Filter
}

func (f *orFilter) Matches(rec *Inference) bool {
	for _, filter := range f.filters {
		if filter.Matches(rec) {
			return true
		}
	}
	return false
}

type notFilter struct {
	filter Filter
}

func (f *notFilter) Matches(rec *Inference) bool {
	return !f.filter.Matches(rec)
}

type scoreFilter struct {
	min, max int
}

func (f *scoreFilter) Matches(rec *Inference) bool {
	if !rec.Score.Valid {
		return false
	}
	score := int(rec.Score.Int32)
	return f.min < score && score < f.max
}

type substringFilter struct {
	get    func(*Inference) string
	substr string
}

func (f *substringFilter) Matches(rec *Inference) bool {
	return strings.Contains(f.get(rec), f.substr)
}

type stringCmpFilter struct {
	get   func(*Inference) string
	value string
	want  int
}

func (f *stringCmpFilter) Matches(rec *Inference) bool {
	return strings.Compare(f.get(rec), f.value) == f.want
}
