package query

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Analyzer tokenizes query text. It must be the analyzer the index was built with.
type Analyzer interface {
	Terms(text string) []string
}

// SyntaxError reports malformed query text
type SyntaxError struct {
	Pos int // Byte offset in the query text
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

// Parser turns query text into a Query against one text field.
//
// Grammar: words separated by whitespace are ANDed; "double quotes" make a phrase; AND, OR and
// NOT (uppercase) are operators binding NOT > AND > OR; parentheses group.
type Parser struct {
	field    string
	analyzer Analyzer
}

// NewParser creates a parser for field
func NewParser(field string, analyzer Analyzer) *Parser {
	return &Parser{field: field, analyzer: analyzer}
}

// Parse parses text. Text with nothing searchable in it yields MatchNone.
func (p *Parser) Parse(text string) (Query, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	if len(toks) == 1 {
		// only EOF
		return MatchNone{}, nil
	}

	ps := &parseState{parser: p, toks: toks}
	q, err := ps.parseOr()
	if err != nil {
		return nil, err
	}
	if t := ps.peek(); t.kind != tokEOF {
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", t)}
	}
	if q == nil {
		return MatchNone{}, nil
	}
	return normalize(q), nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokPhrase
	tokLParen
	tokRParen
	tokAnd
	tokOr
	tokNot
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokEOF:
		return "end of query"
	case tokPhrase:
		return "phrase"
	default:
		return fmt.Sprintf("%q", t.text)
	}
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case unicode.IsSpace(r):
			i += size
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case r == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, &SyntaxError{Pos: i, Msg: "unterminated quote"}
			}
			toks = append(toks, token{kind: tokPhrase, text: s[i+1 : i+1+end], pos: i})
			i += end + 2
		default:
			start := i
			for i < len(s) {
				r, size := utf8.DecodeRuneInString(s[i:])
				if unicode.IsSpace(r) || r == '(' || r == ')' || r == '"' {
					break
				}
				i += size
			}
			word := s[start:i]
			kind := tokWord
			switch word {
			case "AND":
				kind = tokAnd
			case "OR":
				kind = tokOr
			case "NOT":
				kind = tokNot
			}
			toks = append(toks, token{kind: kind, text: word, pos: start})
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(s)}), nil
}

type parseState struct {
	parser *Parser
	toks   []token
	pos    int
}

func (ps *parseState) peek() token {
	return ps.toks[ps.pos]
}

func (ps *parseState) next() token {
	t := ps.toks[ps.pos]
	if t.kind != tokEOF {
		ps.pos++
	}
	return t
}

// Nil results below mean the operand analyzed to no tokens and is dropped.

func (ps *parseState) parseOr() (Query, error) {
	first, err := ps.parseAnd()
	if err != nil {
		return nil, err
	}
	clauses := []Query{first}
	for ps.peek().kind == tokOr {
		ps.next()
		q, err := ps.parseAnd()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, q)
	}
	return combine(clauses, false), nil
}

func (ps *parseState) parseAnd() (Query, error) {
	first, err := ps.parseUnary()
	if err != nil {
		return nil, err
	}
	clauses := []Query{first}
	for {
		switch ps.peek().kind {
		case tokAnd:
			ps.next()
		case tokWord, tokPhrase, tokLParen, tokNot:
		default:
			return combine(clauses, true), nil
		}
		q, err := ps.parseUnary()
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, q)
	}
}

func (ps *parseState) parseUnary() (Query, error) {
	if ps.peek().kind != tokNot {
		return ps.parsePrimary()
	}
	ps.next()
	q, err := ps.parseUnary()
	if err != nil || q == nil {
		return nil, err
	}
	if inner, ok := q.(Not); ok {
		return inner.Clause, nil
	}
	return Not{Clause: q}, nil
}

func (ps *parseState) parsePrimary() (Query, error) {
	t := ps.next()
	switch t.kind {
	case tokWord:
		return ps.parser.word(t.text), nil
	case tokPhrase:
		return ps.parser.phrase(t.text), nil
	case tokLParen:
		if ps.peek().kind == tokRParen {
			return nil, &SyntaxError{Pos: t.pos, Msg: "empty group"}
		}
		q, err := ps.parseOr()
		if err != nil {
			return nil, err
		}
		if ps.next().kind != tokRParen {
			return nil, &SyntaxError{Pos: t.pos, Msg: "missing closing parenthesis"}
		}
		return q, nil
	case tokEOF:
		return nil, &SyntaxError{Pos: t.pos, Msg: "unexpected end of query"}
	default:
		return nil, &SyntaxError{Pos: t.pos, Msg: fmt.Sprintf("unexpected %s", t)}
	}
}

func (p *Parser) word(text string) Query {
	terms := p.analyzer.Terms(text)
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return Term{Field: p.field, Text: terms[0]}
	}
	clauses := make([]Query, len(terms))
	for i, t := range terms {
		clauses[i] = Term{Field: p.field, Text: t}
	}
	return And{Clauses: clauses}
}

func (p *Parser) phrase(text string) Query {
	terms := p.analyzer.Terms(text)
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return Term{Field: p.field, Text: terms[0]}
	}
	return Phrase{Field: p.field, Terms: terms}
}

// combine drops empty operands and flattens nested groups of the same kind
func combine(clauses []Query, and bool) Query {
	flat := make([]Query, 0, len(clauses))
	for _, c := range clauses {
		switch n := c.(type) {
		case nil:
		case And:
			if and {
				flat = append(flat, n.Clauses...)
			} else {
				flat = append(flat, n)
			}
		case Or:
			if !and {
				flat = append(flat, n.Clauses...)
			} else {
				flat = append(flat, n)
			}
		default:
			flat = append(flat, c)
		}
	}
	switch len(flat) {
	case 0:
		return nil
	case 1:
		return flat[0]
	}
	if and {
		return And{Clauses: flat}
	}
	return Or{Clauses: flat}
}

// normalize makes every Not a clause of an And that also has a positive clause,
// inserting MatchAll where needed, so engines never see a bare negation.
func normalize(q Query) Query {
	switch n := q.(type) {
	case Not:
		return And{Clauses: []Query{MatchAll{}, Not{Clause: normalize(n.Clause)}}}
	case And:
		clauses := make([]Query, 0, len(n.Clauses)+1)
		positive := false
		for _, c := range n.Clauses {
			if not, ok := c.(Not); ok {
				clauses = append(clauses, Not{Clause: normalize(not.Clause)})
				continue
			}
			positive = true
			clauses = append(clauses, normalize(c))
		}
		if !positive {
			clauses = append([]Query{MatchAll{}}, clauses...)
		}
		return And{Clauses: clauses}
	case Or:
		clauses := make([]Query, len(n.Clauses))
		for i, c := range n.Clauses {
			clauses[i] = normalize(c)
		}
		return Or{Clauses: clauses}
	}
	return q
}
