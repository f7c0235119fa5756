package workflow

import (
	"fmt"
	"strings"
)

func writeHistory(b *strings.Builder, history []string) {
	if len(history) == 0 {
		return
	}
	b.WriteString("\nConversation so far:\n")
	for _, line := range history {
		fmt.Fprintf(b, "- %s\n", line)
	}
}

func writeStash(b *strings.Builder, stash []DataReference) {
	if len(stash) == 0 {
		b.WriteString("\nNo data has been gathered yet.\n")
		return
	}
	b.WriteString("\nData gathered so far:\n")
	for _, ref := range stash {
		fmt.Fprintf(b, "- [%s] %s (%s): %s", ref.StepID, ref.ToolName, ref.Status, ref.Summary)
		if ref.ErrorMessage != "" {
			fmt.Fprintf(b, " (error: %s)", ref.ErrorMessage)
		}
		b.WriteString("\n")
	}
}

func routerPrompt(s SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify the user's request.\n\nRequest: %s\n", s.OriginalQuery)
	writeHistory(&b, s.ChatHistory)
	b.WriteString(`
Routes:
- simple: answerable directly without gathering data
- complex: needs one or more tool calls to gather data
- clarify: too ambiguous to act on; ask the user a question
- end: nothing to do

Respond with JSON only: {"route": "<route>", "reasoning": "<why>"}`)
	return b.String()
}

func plannerPrompt(s SessionState, tools string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan the next single tool call that moves toward answering the request.\n\nRequest: %s\n", s.OriginalQuery)
	writeHistory(&b, s.ChatHistory)
	writeStash(&b, s.DataStash)
	if s.Reflection != nil && s.Reflection.Reasoning != "" {
		fmt.Fprintf(&b, "\nReviewer notes: %s\n", s.Reflection.Reasoning)
	}
	fmt.Fprintf(&b, "\nAvailable tools:\n%s", tools)
	b.WriteString(`
Respond with JSON only: {"plugin_id": "<tool id>", "args": {...}, "description": "<what this step does>"}`)
	return b.String()
}

func reflectorPrompt(s SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Decide how to proceed with the request.\n\nRequest: %s\n", s.OriginalQuery)
	writeHistory(&b, s.ChatHistory)
	writeStash(&b, s.DataStash)
	b.WriteString(`
Decisions:
- CONTINUE: more data is needed
- FINISH: enough data to write the answer
- REQUEST_HUMAN: only the user can unblock progress; put the question in reasoning

Respond with JSON only: {"decision": "<decision>", "reasoning": "<why>"}`)
	return b.String()
}

func synthesizerPrompt(s SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write the final answer to the request using only the gathered data.\n\nRequest: %s\n", s.OriginalQuery)
	writeHistory(&b, s.ChatHistory)
	writeStash(&b, s.DataStash)
	b.WriteString("\nAnswer:")
	return b.String()
}

func simplePrompt(s SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Answer the request directly and concisely.\n\nRequest: %s\n", s.OriginalQuery)
	writeHistory(&b, s.ChatHistory)
	b.WriteString("\nAnswer:")
	return b.String()
}
