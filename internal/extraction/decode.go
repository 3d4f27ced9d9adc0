package extraction

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Decoder stages, in the order they are tried.
const (
	StageDirect           = "direct"
	StageEmbedded         = "embedded"
	StageFallbackQuestion = "fallback_question"
	StageFallbackText     = "fallback_text"
	StageTransient        = "transient"
)

const defaultReply = "Thanks! Could you tell me a little more?"

// decoded is a model reply recovered into its parts.
type decoded struct {
	Response string
	Fields   map[string]string
	Language string
	Stage    string
}

type decoder func(raw string) (decoded, bool)

// decoders are applied in order; the last one always succeeds.
var decoders = []decoder{decodeDirect, decodeEmbedded, decodeFallback}

// decode recovers a reply from raw model output. It never fails.
func decode(raw string) decoded {
	for _, d := range decoders {
		if out, ok := d(raw); ok {
			return out
		}
	}
	return decoded{Response: defaultReply, Fields: map[string]string{}, Stage: StageFallbackText}
}

func decodeDirect(raw string) (decoded, bool) {
	out, ok := parseEnvelope(strings.TrimSpace(raw))
	out.Stage = StageDirect
	return out, ok
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(\\{.*?\\})\\s*```")

func decodeEmbedded(raw string) (decoded, bool) {
	var candidates []string
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}
	for _, c := range candidates {
		if out, ok := parseEnvelope(c); ok {
			out.Stage = StageEmbedded
			return out, true
		}
	}
	return decoded{}, false
}

var clarificationCues = []string{
	"could you", "can you", "please clarify", "what is", "what's", "which", "do you mean",
	"lahko", "kako", "puede", "podría", "pouvez", "pode",
}

func decodeFallback(raw string) (decoded, bool) {
	text := strings.TrimSpace(raw)
	out := decoded{Response: text, Fields: map[string]string{}, Stage: StageFallbackText}
	if text == "" {
		out.Response = defaultReply
		return out, true
	}
	lower := strings.ToLower(text)
	if strings.Contains(text, "?") {
		out.Stage = StageFallbackQuestion
		return out, true
	}
	for _, cue := range clarificationCues {
		if strings.Contains(lower, cue) {
			out.Stage = StageFallbackQuestion
			break
		}
	}
	return out, true
}

// parseEnvelope reads {response, extracted_data, language_detected}.
func parseEnvelope(s string) (decoded, bool) {
	if !gjson.Valid(s) {
		return decoded{}, false
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return decoded{}, false
	}
	response := root.Get("response")
	data := root.Get("extracted_data")
	if !response.Exists() && !data.Exists() {
		return decoded{}, false
	}

	out := decoded{
		Response: strings.TrimSpace(response.String()),
		Fields:   map[string]string{},
		Language: strings.TrimSpace(root.Get("language_detected").String()),
	}
	if data.IsObject() {
		data.ForEach(func(key, value gjson.Result) bool {
			if v, ok := flatten(value); ok {
				out.Fields[key.String()] = v
			}
			return true
		})
	}
	if out.Response == "" {
		out.Response = defaultReply
	}
	return out, true
}

// flatten turns a JSON value into a profile string. Lists are joined with ", ".
func flatten(v gjson.Result) (string, bool) {
	switch {
	case v.Type == gjson.Null:
		return "", false
	case v.IsArray(), v.IsObject():
		var parts []string
		v.ForEach(func(_, item gjson.Result) bool {
			if s, ok := flatten(item); ok && s != "" {
				parts = append(parts, s)
			}
			return true
		})
		if len(parts) == 0 {
			return "", false
		}
		return strings.Join(parts, ", "), true
	default:
		return strings.TrimSpace(v.String()), true
	}
}
