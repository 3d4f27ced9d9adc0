package formatter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"units after numbers", "Apply 25 kilograms per 2 hectares.", "Apply 25 kg per 2 ha."},
		{"liters and litres", "Use 10 litres or 12 liters.", "Use 10 L or 12 L."},
		{"temperature", "Keep it below 30 degrees Celsius.", "Keep it below 30 °C."},
		{"unit without number untouched", "Hectares matter.", "Hectares matter."},
		{"formal phrase keeps capital", "Thank you very much for the details.", "Thanks a lot for the details."},
		{"contractions", "I am sure you are right, it is fine.", "I'm sure you're right, it's fine."},
		{"no contraction at clause end", "I know who you are.", "I know who you are."},
		{"short answer kept", "Yes, I am. It is raining and we will see.", "Yes, I am. It's raining and we'll see."},
		{"no contraction before line break", "I think it is\nfine", "I think it is\nfine"},
		{"in order to", "In order to register, please provide your name.", "To register, could you share your name."},
		{"whitespace tidy", "Hello   there \n\n\n  friend", "Hello there\n\nfriend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Normalize(tt.in))
		})
	}
}

func TestAnnotateFixedEmojiAlwaysApplies(t *testing.T) {
	got := annotate("I grow maize and tomatoes.", FixedSource(1))
	assert.Equal(t, "I grow maize 🌽 and tomatoes 🍅.", got)
}

func TestAnnotateCapsAtTwo(t *testing.T) {
	got := annotate("Wheat, apples and grapes after the rain.", FixedSource(0))
	assert.Equal(t, "Wheat 🌾, apples 🍎 and grapes after the rain.", got)
}

func TestAnnotateProbabilisticTopics(t *testing.T) {
	assert.Equal(t, "Thanks for waiting.", annotate("Thanks for waiting.", FixedSource(0.99)))
	assert.Equal(t, "Thanks 🙏 for waiting.", annotate("Thanks for waiting.", FixedSource(0.1)))
}

func TestFormatScenarioLongReplyNoParagraphs(t *testing.T) {
	sentence := "Your field looks healthy and the soil should hold moisture well through the coming weeks "
	text := strings.Repeat(sentence, 6)
	text = strings.TrimSpace(text)[:500]
	require.Equal(t, 500, len(text))

	chunks := New(FixedSource(1)).Format(text)
	require.GreaterOrEqual(t, len(chunks), 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), MaxChunk, "chunk too long: %q", c)
	}
}

func TestFormatReconstructsNormalizedText(t *testing.T) {
	text := "Welcome to the registration! I'd love to learn about your farm, especially the maize and the tomatoes you grow.\n\n" +
		"Please tell me your first name, your last name, the number we can reach you on, where your farm is located and which crops you mainly grow, because that lets us send you timely advice about rain, pests and harvest windows for your region. " +
		"We never share your details.\n\nThanks!"

	chunks := New(FixedSource(0)).Format(text)
	require.NotEmpty(t, chunks)

	assert.Equal(t, collapse(Normalize(text)), collapse(strip(strings.Join(chunks, " "))))
	for _, c := range chunks {
		assert.LessOrEqual(t, runeLen(c), MaxChunk)
	}
}

func TestFormatMarksInteriorChunks(t *testing.T) {
	words := strings.Repeat("seedling ", 60)
	chunks := New(FixedSource(1)).Format(words)
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks[:len(chunks)-1] {
		assert.True(t, strings.HasSuffix(c, continuation), "chunk %d missing continuation: %q", i, c)
	}
	assert.False(t, strings.HasSuffix(chunks[len(chunks)-1], continuation))
}

func TestFormatKeepsUnsplittableToken(t *testing.T) {
	token := strings.Repeat("x", 250)
	chunks := New(FixedSource(1)).Format("Link: " + token + " end of message here.")
	found := false
	for _, c := range chunks {
		if strings.Contains(c, token) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestFormatMergesShortParagraphs(t *testing.T) {
	chunks := New(FixedSource(1)).Format("Hi!\n\nWhat is your name?")
	assert.Equal(t, []string{"Hi!\n\nWhat is your name?"}, chunks)
}

func TestFormatEmpty(t *testing.T) {
	assert.Empty(t, New(nil).Format("   \n\n "))
}

func strip(s string) string {
	s = strings.ReplaceAll(s, continuation, "")
	for _, table := range []map[string]emojiRule{fixedEmoji, topicEmoji} {
		for _, rule := range table {
			s = strings.ReplaceAll(s, rule.emoji, "")
		}
	}
	return s
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
