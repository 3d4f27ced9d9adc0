package extraction

import (
	"fmt"
	"strings"

	"github.com/ashureev/farm-intake/internal/config"
	"github.com/ashureev/farm-intake/internal/conversation"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/llm"
)

// PromptHistoryTurns bounds the turns included in the user instruction.
const PromptHistoryTurns = 10

var fieldLabels = map[string]string{
	domain.FieldFirstName:     "first name",
	domain.FieldLastName:      "last name",
	domain.FieldContactNumber: "contact phone number with country code",
	domain.FieldLocation:      "farm location (town or region)",
	domain.FieldPrimaryCrops:  "main crops grown",
}

const responseContract = `Respond ONLY with one JSON object and nothing else:
{"response": "<your reply to the farmer>", "extracted_data": {"first_name": string|null, "last_name": string|null, "contact_number": string|null, "location": string|null, "primary_crops": string|list|null}, "language_detected": "<ISO 639-1 code>"}
Only extract values the farmer stated in their latest message. Use null for anything not stated. Never invent values.`

type promptParams struct {
	Strategy         string
	Guidance         conversation.Guidance
	Urgent           bool
	Profile          domain.Profile
	ContextSummary   string
	RedirectRepeated bool
}

// buildSystemPrompt assembles the system instruction for one turn.
func buildSystemPrompt(p promptParams) string {
	var b strings.Builder
	b.WriteString("You are a friendly assistant registering farmers for an agricultural advisory service. ")
	b.WriteString("Reply in the same language the farmer writes in. Keep replies short and warm.\n\n")

	if p.Urgent {
		b.WriteString("EMERGENCY MODE: the farmer reported an emergency. Give calm, practical safety guidance first, ")
		b.WriteString("advise contacting local emergency services when people or animals are at risk, and do NOT ask ")
		b.WriteString("registration questions until the emergency is resolved. Still record any registration details the farmer mentions.\n\n")
	} else {
		missing := p.Profile.Missing()
		fmt.Fprintf(&b, "Registration progress: %d%% (%d of %d fields).\n",
			p.Profile.Progress(), len(domain.RequiredFields)-len(missing), len(domain.RequiredFields))
		if len(missing) > 0 {
			labels := make([]string, 0, len(missing))
			for _, f := range missing {
				labels = append(labels, fmt.Sprintf("%s (%s)", f, fieldLabels[f]))
			}
			fmt.Fprintf(&b, "Still missing: %s.\n", strings.Join(labels, ", "))
		} else {
			b.WriteString("All registration fields are collected. Confirm the details and answer questions.\n")
		}

		switch p.Strategy {
		case config.StrategyFreeform:
			b.WriteString("Chat naturally about farming and pick up registration details whenever the farmer mentions them.\n")
		default:
			if len(missing) > 0 {
				fmt.Fprintf(&b, "Ask for one field at a time. Next field to ask for: %s.\n", fieldLabels[missing[0]])
			}
		}
		fmt.Fprintf(&b, "Guidance: %s\n", p.Guidance.Directive())
		if p.Guidance == conversation.GuidanceRedirect && p.RedirectRepeated {
			b.WriteString("You already redirected the farmer once; use different wording this time.\n")
		}
		b.WriteString("\n")
	}

	if p.ContextSummary != "" {
		fmt.Fprintf(&b, "Known farm records (for grounding only):\n%s\n\n", p.ContextSummary)
	}
	b.WriteString(responseContract)
	return b.String()
}

// buildUserPrompt combines the collected profile and the new message.
// Recent turns travel as structured history alongside it.
func buildUserPrompt(message string, profile domain.Profile) string {
	var b strings.Builder
	b.WriteString("Already collected (do not repeat back verbatim):\n")
	for _, f := range domain.RequiredFields {
		v := profile[f]
		if v == "" {
			v = "-"
		}
		fmt.Fprintf(&b, "- %s: %s\n", f, v)
	}

	fmt.Fprintf(&b, "\nFarmer's latest message:\n%s", message)
	return b.String()
}

// buildHistory maps the last PromptHistoryTurns turns to model messages.
func buildHistory(history []domain.Turn) []llm.Message {
	turns := domain.LastTurns(history, PromptHistoryTurns)
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == domain.RoleAssistant {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	return out
}
