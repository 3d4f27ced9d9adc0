package formatter

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Chunk length bounds, in characters.
const (
	MinChunk   = 30
	IdealChunk = 150
	MaxChunk   = 200
)

const continuation = "..."

// chunkLimit leaves room for the continuation marker.
var chunkLimit = MaxChunk - utf8.RuneCountInString(continuation)

type level int

const (
	levelSentence level = iota
	levelClause
	levelWord
)

var conjunctions = map[string]bool{
	"and": true, "but": true, "or": true, "so": true, "because": true,
	"while": true, "although": true, "then": true,
}

type piece struct {
	text      string
	paragraph int
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// chunk splits text into pieces no longer than chunkLimit except for
// single tokens that cannot be split, then merges undersized neighbours.
func chunk(text string) []string {
	var pieces []piece
	for i, para := range strings.Split(text, "\n\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		for _, p := range split(words, levelSentence) {
			pieces = append(pieces, piece{text: p, paragraph: i})
		}
	}
	pieces = mergeShort(pieces)

	out := make([]string, 0, len(pieces))
	for i, p := range pieces {
		if i < len(pieces)-1 && !endsSentence(p.text) {
			p.text += continuation
		}
		out = append(out, p.text)
	}
	return out
}

// split breaks words into segments at lvl, recursing into finer levels for
// any segment still over the limit, and packs the results.
func split(words []string, lvl level) []string {
	joined := strings.Join(words, " ")
	if runeLen(joined) <= chunkLimit {
		return []string{joined}
	}

	var segments []string
	for _, seg := range segment(words, lvl) {
		if lvl < levelWord && runeLen(strings.Join(seg, " ")) > chunkLimit {
			segments = append(segments, split(seg, lvl+1)...)
			continue
		}
		segments = append(segments, strings.Join(seg, " "))
	}
	return pack(segments)
}

// segment groups words into sentences, clauses or single words.
func segment(words []string, lvl level) [][]string {
	if lvl == levelWord {
		out := make([][]string, len(words))
		for i, w := range words {
			out[i] = []string{w}
		}
		return out
	}

	var out [][]string
	var cur []string
	for _, w := range words {
		if lvl == levelClause && len(cur) > 0 && conjunctions[strings.ToLower(w)] {
			out = append(out, cur)
			cur = nil
		}
		cur = append(cur, w)
		if (lvl == levelSentence && endsSentence(w)) || (lvl == levelClause && endsClause(w)) {
			out = append(out, cur)
			cur = nil
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// pack greedily joins consecutive segments while the current chunk is
// below the ideal length and the result still fits.
func pack(segments []string) []string {
	var out []string
	cur := ""
	for _, seg := range segments {
		if cur == "" {
			cur = seg
			continue
		}
		if runeLen(cur) < IdealChunk && runeLen(cur)+1+runeLen(seg) <= chunkLimit {
			cur += " " + seg
			continue
		}
		out = append(out, cur)
		cur = seg
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// mergeShort folds chunks under MinChunk into a neighbour when the
// combined chunk fits.
func mergeShort(pieces []piece) []piece {
	for i := 0; i < len(pieces); {
		if runeLen(pieces[i].text) >= MinChunk || len(pieces) == 1 {
			i++
			continue
		}
		if i+1 < len(pieces) {
			if joined, ok := join(pieces[i], pieces[i+1]); ok {
				pieces[i+1] = joined
				pieces = append(pieces[:i], pieces[i+1:]...)
				continue
			}
		}
		if i > 0 {
			if joined, ok := join(pieces[i-1], pieces[i]); ok {
				pieces[i-1] = joined
				pieces = append(pieces[:i], pieces[i+1:]...)
				continue
			}
		}
		i++
	}
	return pieces
}

func join(a, b piece) (piece, bool) {
	sep := " "
	if a.paragraph != b.paragraph {
		sep = "\n\n"
	}
	text := a.text + sep + b.text
	if runeLen(text) > chunkLimit {
		return piece{}, false
	}
	return piece{text: text, paragraph: b.paragraph}, true
}

func endsSentence(s string) bool {
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return r == '"' || r == '\'' || r == ')' || r == '”' || r == '’'
	})
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func endsClause(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return r == ',' || r == ';' || r == ':' || unicode.Is(unicode.Dash, r)
}
