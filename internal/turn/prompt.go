package turn

import "strings"

const (
	imStart = "<|im_start|>"
	imEnd   = "<|im_end|>"
)

func writeTurn(b *strings.Builder, role, content string) {
	b.WriteString(imStart)
	b.WriteString(role)
	b.WriteByte('\n')
	b.WriteString(content)
	b.WriteString(imEnd)
	b.WriteByte('\n')
}

// BuildPrompt frames persona, history and the new user text as ChatML,
// left open for the assistant to continue
func BuildPrompt(persona Persona, history []Exchange, userText string) string {
	var b strings.Builder
	writeTurn(&b, "system", persona.Instruction())
	for _, ex := range history {
		writeTurn(&b, "user", ex.User)
		writeTurn(&b, "assistant", ex.Assistant)
	}
	writeTurn(&b, "user", userText)
	b.WriteString(imStart)
	b.WriteString("assistant\n")
	return b.String()
}

// ClassifierPrompt asks whether text heard over the agent should stop it
func ClassifierPrompt(text string) string {
	var b strings.Builder
	writeTurn(&b, "system",
		`You are a conversation manager. The user just said: "`+text+`" while the agent was speaking. `+
			`Does this input require the agent to stop immediately or change topic? Answer only YES or NO.`+"\n"+
			"Examples:\n"+
			`User: "Stop."`+"\nAssistant: YES\n"+
			`User: "Yeah."`+"\nAssistant: NO\n"+
			`User: "That's wrong."`+"\nAssistant: YES\n")
	b.WriteString(imStart)
	b.WriteString("assistant\n")
	return b.String()
}
