// Package highlight produces short excerpts of message content with matched terms marked up.
package highlight

import (
	"sort"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2/search/highlight"
	htmlformat "github.com/blevesearch/bleve/v2/search/highlight/format/html"
	simplefrag "github.com/blevesearch/bleve/v2/search/highlight/fragmenter/simple"

	"github.com/zhishengyuan/searchgram-index/analysis"
)

const (
	defaultBefore       = "<b>"
	defaultAfter        = "</b>"
	defaultFragmentSize = 100
	ellipsis            = "…"
)

// Tokenizer yields the tokens of a text with their byte spans
type Tokenizer interface {
	Tokens(text string) []analysis.Token
}

// Options configures markup and excerpt length
type Options struct {
	Before       string // Markup opening a matched term
	After        string // Markup closing a matched term
	FragmentSize int    // Excerpt length in runes
}

// Highlighter marks query terms inside message content
type Highlighter struct {
	tokenizer  Tokenizer
	fragmenter highlight.Fragmenter
	formatter  highlight.FragmentFormatter
	size       int
}

// New creates a highlighter. The tokenizer must match the one used for indexing so that
// matched terms line up with query terms.
func New(tokenizer Tokenizer, opts Options) *Highlighter {
	if opts.Before == "" && opts.After == "" {
		opts.Before, opts.After = defaultBefore, defaultAfter
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = defaultFragmentSize
	}
	return &Highlighter{
		tokenizer:  tokenizer,
		fragmenter: simplefrag.NewFragmenter(opts.FragmentSize),
		formatter:  htmlformat.NewFragmentFormatter(opts.Before, opts.After),
		size:       opts.FragmentSize,
	}
}

// Highlight returns the excerpt of content holding the most matched terms, HTML-escaped, with
// matches wrapped in the configured markup. Without any match it returns the opening excerpt.
func (h *Highlighter) Highlight(content string, terms []string) string {
	if content == "" {
		return ""
	}
	orig := []byte(content)

	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}

	var locations highlight.TermLocations
	if len(want) > 0 {
		for _, tok := range h.tokenizer.Tokens(content) {
			if _, ok := want[tok.Term]; !ok {
				continue
			}
			locations = append(locations, &highlight.TermLocation{
				Term:  tok.Term,
				Pos:   tok.Position,
				Start: tok.Start,
				End:   tok.End,
			})
		}
	}
	sort.SliceStable(locations, func(i, j int) bool {
		return locations[i].Start < locations[j].Start
	})

	var fragments []*highlight.Fragment
	if len(locations) == 0 {
		fragments = []*highlight.Fragment{{Orig: orig, End: runeOffset(orig, h.size)}}
	} else {
		fragments = h.fragmenter.Fragment(orig, locations)
	}
	if len(fragments) == 0 {
		return ""
	}
	best := fragments[0]
	bestScore := score(best, locations)
	for _, f := range fragments[1:] {
		if s := score(f, locations); s > bestScore {
			best, bestScore = f, s
		}
	}

	text := h.formatter.Format(best, locations)
	if best.Start > 0 {
		text = ellipsis + text
	}
	if best.End < len(orig) {
		text += ellipsis
	}
	return text
}

// runeOffset returns the byte offset just past the first n runes of b
func runeOffset(b []byte, n int) int {
	off := 0
	for i := 0; i < n && off < len(b); i++ {
		_, size := utf8.DecodeRune(b[off:])
		off += size
	}
	return off
}

// score counts the term occurrences that fit entirely inside f
func score(f *highlight.Fragment, locations highlight.TermLocations) int {
	n := 0
	for _, l := range locations {
		if l.Start >= f.Start && l.End <= f.End {
			n++
		}
	}
	return n
}
