package formatter

import (
	"math/rand/v2"
	"regexp"
	"strings"
)

// MaxEmoji caps the emoji added to one reply.
const MaxEmoji = 2

// RandomSource drives probabilistic emoji placement.
type RandomSource interface {
	Float64() float64
}

type defaultSource struct{}

func (defaultSource) Float64() float64 { return rand.Float64() }

// FixedSource always returns the same value. FixedSource(1) disables
// probabilistic emoji, FixedSource(0) enables all of them.
type FixedSource float64

// Float64 implements RandomSource.
func (f FixedSource) Float64() float64 { return float64(f) }

type emojiRule struct {
	emoji       string
	probability float64 // 1 means always
}

// Named crops always get their emoji.
var fixedEmoji = map[string]emojiRule{
	"corn":     {"🌽", 1},
	"maize":    {"🌽", 1},
	"tomato":   {"🍅", 1},
	"tomatoes": {"🍅", 1},
	"wheat":    {"🌾", 1},
	"potato":   {"🥔", 1},
	"potatoes": {"🥔", 1},
	"apple":    {"🍎", 1},
	"apples":   {"🍎", 1},
	"grape":    {"🍇", 1},
	"grapes":   {"🍇", 1},
}

var topicEmoji = map[string]emojiRule{
	"rain":            {"🌧", 0.5},
	"sun":             {"☀", 0.4},
	"sunny":           {"☀", 0.5},
	"water":           {"💧", 0.4},
	"harvest":         {"🚜", 0.5},
	"thanks":          {"🙏", 0.6},
	"thank":           {"🙏", 0.6},
	"welcome":         {"👋", 0.6},
	"congratulations": {"🎉", 0.8},
	"warning":         {"⚠", 0.9},
}

var wordPattern = regexp.MustCompile(`\pL+`)

// annotate inserts up to MaxEmoji emoji, each directly after the word that
// triggered it. An emoji is used at most once per reply.
func annotate(text string, rng RandomSource) string {
	type insertion struct {
		at    int
		emoji string
	}
	var inserts []insertion
	used := make(map[string]bool)

	for _, loc := range wordPattern.FindAllStringIndex(text, -1) {
		if len(inserts) == MaxEmoji {
			break
		}
		word := strings.ToLower(text[loc[0]:loc[1]])
		rule, ok := fixedEmoji[word]
		if !ok {
			rule, ok = topicEmoji[word]
			if !ok || used[rule.emoji] || rng.Float64() >= rule.probability {
				continue
			}
		}
		if used[rule.emoji] {
			continue
		}
		used[rule.emoji] = true
		inserts = append(inserts, insertion{at: loc[1], emoji: rule.emoji})
	}

	if len(inserts) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, ins := range inserts {
		b.WriteString(text[last:ins.at])
		b.WriteString(" ")
		b.WriteString(ins.emoji)
		last = ins.at
	}
	b.WriteString(text[last:])
	return b.String()
}
