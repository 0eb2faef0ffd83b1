package openai

import (
	"strings"

	"posting-pipeline/internal/llm"
)

const (
	systemPromptJSON = "You are a job posting screening engine. Respond with JSON only. No markdown. Never omit keys."
	systemPromptText = "You write concise, specific messages on behalf of a job candidate."
)

func buildMessages(req llm.Request) []chatMessage {
	system := strings.TrimSpace(req.System)
	if system == "" {
		system = systemPromptText
		if req.JSON {
			system = systemPromptJSON
		}
	}
	return []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: req.Prompt},
	}
}
