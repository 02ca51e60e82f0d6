// Package analysis turns message text into searchable tokens.
//
// Analyzers are bleve analyzers resolved through bleve's registry, so the bleve engine indexes with
// exactly the same pipeline the query parser and the other engines use.
package analysis

import (
	"fmt"
	"sort"

	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	unicodetok "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

// Analyzer names accepted by New
const (
	Unicode = "unicode" // Unicode word boundaries, lowercased
	CJK     = "cjk"     // bleve's CJK analyzer, overlapping bigrams for ideographs
	Kagome  = "kagome"  // Dictionary segmentation for CJK text, Unicode words otherwise
)

// Default is the analyzer used when none is configured
const Default = Kagome

var definitions = map[string]map[string]interface{}{
	Unicode: {
		"type":          custom.Name,
		"tokenizer":     unicodetok.Name,
		"token_filters": []string{lowercase.Name},
	},
	CJK: nil,
	Kagome: {
		"type":          custom.Name,
		"tokenizer":     KagomeTokenizerName,
		"token_filters": []string{cjk.WidthName, lowercase.Name},
	},
}

// Token is one searchable unit with its byte span in the source text
type Token struct {
	Term     string
	Start    int
	End      int
	Position int
}

// Analyzer converts free text into tokens
type Analyzer struct {
	name     string
	analyzer analysis.Analyzer
}

// Names lists the supported analyzer names
func Names() []string {
	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New resolves a named analyzer
func New(name string) (*Analyzer, error) {
	if name == "" {
		name = Default
	}
	def, ok := definitions[name]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer: %s", name)
	}

	cache := registry.NewCache()
	var (
		a   analysis.Analyzer
		err error
	)
	if def == nil {
		a, err = cache.AnalyzerNamed(bleveName(name))
	} else {
		a, err = cache.DefineAnalyzer(bleveName(name), def)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build analyzer %s: %w", name, err)
	}

	return &Analyzer{name: name, analyzer: a}, nil
}

// Name returns the configured analyzer name
func (a *Analyzer) Name() string {
	return a.name
}

// BleveName returns the analyzer name inside a bleve index mapping
func (a *Analyzer) BleveName() string {
	return bleveName(a.name)
}

// Register declares the analyzer on a bleve index mapping
func (a *Analyzer) Register(im *mapping.IndexMappingImpl) error {
	def := definitions[a.name]
	if def == nil {
		return nil
	}
	if err := im.AddCustomAnalyzer(a.BleveName(), def); err != nil {
		return fmt.Errorf("failed to add analyzer %s: %w", a.name, err)
	}
	return nil
}

// Tokens analyzes text into tokens in source order
func (a *Analyzer) Tokens(text string) []Token {
	if text == "" {
		return nil
	}
	stream := a.analyzer.Analyze([]byte(text))
	tokens := make([]Token, 0, len(stream))
	for _, t := range stream {
		tokens = append(tokens, Token{
			Term:     string(t.Term),
			Start:    t.Start,
			End:      t.End,
			Position: t.Position,
		})
	}
	return tokens
}

// Terms returns only the token terms of text
func (a *Analyzer) Terms(text string) []string {
	tokens := a.Tokens(text)
	if len(tokens) == 0 {
		return nil
	}
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = t.Term
	}
	return terms
}

func bleveName(name string) string {
	if name == CJK {
		return cjk.AnalyzerName
	}
	return "searchgram_" + name
}
