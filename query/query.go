// Package query holds the engine-neutral query tree that the indexer composes and every engine
// translates into its own query language.
package query

import (
	"strconv"
	"strings"
)

// Query is a node of the query tree
type Query interface {
	String() string
	query()
}

// Term matches documents whose field contains an analyzed token
type Term struct {
	Field string
	Text  string
}

// Phrase matches consecutive analyzed tokens
type Phrase struct {
	Field string
	Terms []string
}

// Int matches an exact integer field value
type Int struct {
	Field string
	Value int64
}

// And matches documents matching every clause
type And struct {
	Clauses []Query
}

// Or matches documents matching at least one clause
type Or struct {
	Clauses []Query
}

// Not excludes documents matching its clause. Only valid as a clause of And.
type Not struct {
	Clause Query
}

// MatchAll matches every document
type MatchAll struct{}

// MatchNone matches nothing
type MatchNone struct{}

func (Term) query()      {}
func (Phrase) query()    {}
func (Int) query()       {}
func (And) query()       {}
func (Or) query()        {}
func (Not) query()       {}
func (MatchAll) query()  {}
func (MatchNone) query() {}

func (q Term) String() string { return q.Field + ":" + q.Text }

func (q Phrase) String() string {
	return q.Field + ":\"" + strings.Join(q.Terms, " ") + "\""
}

func (q Int) String() string { return q.Field + ":" + strconv.FormatInt(q.Value, 10) }

func (q And) String() string { return group("AND", q.Clauses) }

func (q Or) String() string { return group("OR", q.Clauses) }

func (q Not) String() string { return "NOT " + q.Clause.String() }

func (MatchAll) String() string { return "*" }

func (MatchNone) String() string { return "<none>" }

func group(op string, clauses []Query) string {
	parts := make([]string, len(clauses))
	for i, c := range clauses {
		parts[i] = c.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// InGroups restricts q to documents whose field equals one of ids.
// With no ids q is returned unchanged.
func InGroups(q Query, field string, ids []int64) Query {
	if len(ids) == 0 {
		return q
	}
	seen := make(map[int64]struct{}, len(ids))
	scope := make([]Query, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		scope = append(scope, Int{Field: field, Value: id})
	}
	return And{Clauses: []Query{q, Or{Clauses: scope}}}
}

// PositiveTerms collects the tokens a document must or may contain to match q.
// Tokens under Not are skipped.
func PositiveTerms(q Query) []string {
	var terms []string
	seen := make(map[string]struct{})
	add := func(t string) {
		if _, ok := seen[t]; ok {
			return
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}

	var walk func(Query)
	walk = func(q Query) {
		switch n := q.(type) {
		case Term:
			add(n.Text)
		case Phrase:
			for _, t := range n.Terms {
				add(t)
			}
		case And:
			for _, c := range n.Clauses {
				walk(c)
			}
		case Or:
			for _, c := range n.Clauses {
				walk(c)
			}
		}
	}
	walk(q)
	return terms
}
