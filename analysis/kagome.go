package analysis

import (
	"bytes"
	"fmt"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2/analysis"
	unicodetok "github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
)

// KagomeTokenizerName is the bleve registry name of the dictionary tokenizer
const KagomeTokenizerName = "searchgram_kagome"

func init() {
	_ = registry.RegisterTokenizer(KagomeTokenizerName, kagomeTokenizerConstructor)
}

var (
	kagomeOnce sync.Once
	kagomeTok  *tokenizer.Tokenizer
	kagomeErr  error
)

// sharedKagome loads the IPA dictionary once per process
func sharedKagome() (*tokenizer.Tokenizer, error) {
	kagomeOnce.Do(func() {
		kagomeTok, kagomeErr = tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
	})
	return kagomeTok, kagomeErr
}

func kagomeTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	t, err := sharedKagome()
	if err != nil {
		return nil, fmt.Errorf("failed to load kagome dictionary: %w", err)
	}
	return &kagomeTokenizer{
		kagome:  t,
		unicode: unicodetok.NewUnicodeTokenizer(),
	}, nil
}

// kagomeTokenizer splits text into runs of Han, Hiragana, Katakana or Hangul and runs of
// everything else. CJK runs are segmented with the kagome dictionary, the rest by Unicode word
// boundaries, so a Latin word tokenizes the same way alone and next to Japanese text.
type kagomeTokenizer struct {
	kagome  *tokenizer.Tokenizer
	unicode analysis.Tokenizer
}

// Tokenize implements analysis.Tokenizer.
func (t *kagomeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input)/4+1)
	pos := 1
	for start := 0; start < len(input); {
		r, _ := utf8.DecodeRune(input[start:])
		cjkRun := isCJK(r)
		end := start
		for end < len(input) {
			r, size := utf8.DecodeRune(input[end:])
			if isCJK(r) != cjkRun {
				break
			}
			end += size
		}

		var stream analysis.TokenStream
		if cjkRun {
			stream = t.segment(input[start:end])
		} else {
			stream = t.unicode.Tokenize(input[start:end])
		}
		for _, tok := range stream {
			tok.Start += start
			tok.End += start
			tok.Position = pos
			pos++
			result = append(result, tok)
		}
		start = end
	}
	return result
}

// segment splits a CJK run with the dictionary. Offsets are relative to run.
func (t *kagomeTokenizer) segment(run []byte) analysis.TokenStream {
	segments := t.kagome.Wakati(string(run))
	stream := make(analysis.TokenStream, 0, len(segments))
	offset := 0
	for _, surface := range segments {
		start := bytes.Index(run[offset:], []byte(surface))
		if start < 0 {
			continue
		}
		start += offset
		end := start + len(surface)
		offset = end

		if !isWord(surface) {
			continue
		}
		stream = append(stream, &analysis.Token{
			Term:  []byte(surface),
			Start: start,
			End:   end,
			Type:  tokenType(surface),
		})
	}
	return stream
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// isWord drops whitespace and punctuation segments
func isWord(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func tokenType(s string) analysis.TokenType {
	r, _ := utf8.DecodeRuneInString(s)
	switch {
	case isCJK(r):
		return analysis.Ideographic
	case unicode.IsDigit(r):
		return analysis.Numeric
	default:
		return analysis.AlphaNumeric
	}
}
