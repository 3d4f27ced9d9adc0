package formatter

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

type rewrite struct {
	pattern *regexp.Regexp
	replace string
}

// Units are abbreviated only after a number so prose like "litres of water"
// without a quantity is left alone.
var unitRewrites = compileUnits([][2]string{
	{`kilograms?|kilos?`, "kg"},
	{`grams?`, "g"},
	{`tonnes?|metric tons?`, "t"},
	{`hectares?`, "ha"},
	{`acres?`, "ac"},
	{`millilit(?:re|er)s?`, "mL"},
	{`lit(?:re|er)s?`, "L"},
	{`kilomet(?:re|er)s?`, "km"},
	{`centimet(?:re|er)s?`, "cm"},
	{`millimet(?:re|er)s?`, "mm"},
	{`met(?:re|er)s?`, "m"},
	{`degrees? (?:celsius|centigrade)`, "°C"},
	{`degrees? fahrenheit`, "°F"},
	{`percent`, "%"},
})

var toneRewrites = append(compileTone([][2]string{
	{`thank you very much`, "thanks a lot"},
	{`i would like to`, "I'd like to"},
	{`would you be so kind as to`, "could you"},
	{`please provide`, "could you share"},
	{`in order to`, "to"},
	{`furthermore`, "also"},
	{`additionally`, "also"},
	{`nevertheless`, "still"},
	{`kindly`, "please"},
	{`utilize`, "use"},
	{`assistance`, "help"},
	{`approximately`, "about"},
	{`regarding`, "about"},
	{`purchase`, "buy"},
	{`do not`, "don't"},
	{`cannot`, "can't"},
}, false), compileTone([][2]string{
	// Contracted only mid-clause: "Yes, I am." stays as written.
	{`i am`, "I'm"},
	{`you are`, "you're"},
	{`it is`, "it's"},
	{`we will`, "we'll"},
}, true)...)

func compileUnits(table [][2]string) []rewrite {
	out := make([]rewrite, 0, len(table))
	for _, row := range table {
		out = append(out, rewrite{
			pattern: regexp.MustCompile(`(?i)\b(\d+(?:[.,]\d+)?)\s*(?:` + row[0] + `)\b`),
			replace: "${1} " + row[1],
		})
	}
	return out
}

// compileTone builds phrase rewrites. With followed set, a phrase only
// matches when another word comes after it on the same line.
func compileTone(table [][2]string, followed bool) []rewrite {
	tail := `()`
	if followed {
		tail = `([ \t]+[\p{L}\d])`
	}
	out := make([]rewrite, 0, len(table))
	for _, row := range table {
		out = append(out, rewrite{
			pattern: regexp.MustCompile(`(?i)\b(` + row[0] + `)\b` + tail),
			replace: row[1],
		})
	}
	return out
}

var (
	inlineSpace   = regexp.MustCompile(`[ \t\f\v\r]+`)
	paragraphGap  = regexp.MustCompile(`\n\s*\n`)
	lineBreakGaps = regexp.MustCompile(` ?\n ?`)
)

// Normalize applies the casual tone table and unit abbreviations, then
// tidies whitespace while keeping paragraph breaks.
func Normalize(text string) string {
	for _, rw := range unitRewrites {
		text = rw.pattern.ReplaceAllString(text, rw.replace)
	}
	for _, rw := range toneRewrites {
		text = rw.pattern.ReplaceAllStringFunc(text, func(match string) string {
			sub := rw.pattern.FindStringSubmatch(match)
			return matchCase(sub[1], rw.replace) + sub[2]
		})
	}
	text = inlineSpace.ReplaceAllString(text, " ")
	text = paragraphGap.ReplaceAllString(text, "\n\n")
	text = lineBreakGaps.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// matchCase capitalizes the replacement when the matched phrase started
// with an upper-case letter.
func matchCase(match, replacement string) string {
	first, _ := utf8.DecodeRuneInString(match)
	if !unicode.IsUpper(first) {
		return replacement
	}
	r, size := utf8.DecodeRuneInString(replacement)
	return string(unicode.ToUpper(r)) + replacement[size:]
}
