package conversation

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// urgencyTerms is the emergency vocabulary, stored without diacritics.
// Multi-word entries match as whole phrases. Plain words for help or speed
// are left out: urgency is sticky and they occur in ordinary requests.
var urgencyTerms = map[string][]string{
	"en": {
		"emergency", "urgent", "urgently", "on fire", "a fire", "wildfire", "flood", "flooding",
		"injured", "injury", "accident", "bleeding", "poisoned", "poisoning", "dying", "collapsed",
		"animals are sick", "help me now", "need help now",
	},
	"sl": {
		"nujno", "na pomoc", "pozar", "poplava", "nesreca", "poskodba", "poskodovan",
		"zastrupitev", "krvavi",
	},
	"es": {
		"emergencia", "urgente", "socorro", "incendio", "inundacion", "accidente", "herido",
		"herida", "envenenado", "sangrando",
	},
	"fr": {
		"urgence", "au secours", "incendie", "inondation", "blesse", "blessee",
		"empoisonne", "saigne",
	},
	"pt": {
		"emergencia", "socorro", "incendio", "enchente", "inundacao", "acidente", "ferido",
		"ferida", "envenenado", "sangrando",
	},
	"sw": {
		"dharura", "msaada wa haraka", "mafuriko", "ajali", "jeraha", "sumu", "moto mkubwa",
	},
}

var normalizedTerms = func() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, terms := range urgencyTerms {
		for _, t := range terms {
			key := " " + foldText(t) + " "
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}()

// ContainsUrgency reports whether message contains emergency vocabulary in
// any supported language. Matching ignores case and diacritics.
func ContainsUrgency(message string) bool {
	text := " " + foldText(message) + " "
	for _, term := range normalizedTerms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// foldText lowercases, strips combining marks and reduces punctuation to
// single spaces so phrases match on word boundaries.
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC, cases.Fold())
	out, _, err := transform.String(t, s)
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.Join(strings.FieldsFunc(out, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ")
}
