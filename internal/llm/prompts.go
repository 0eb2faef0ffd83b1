package llm

import (
	_ "embed"
	"strings"
)

var (
	//go:embed prompts/score_v1.txt
	scorePromptV1 string
	//go:embed prompts/cover_message_v1.txt
	coverMessagePromptV1 string
)

// PromptInput carries the values substituted into prompt templates.
type PromptInput struct {
	Profile     string
	Title       string
	Company     string
	Description string
	Reasoning   string
}

// ScorePrompt renders the scoring prompt.
func ScorePrompt(in PromptInput) string {
	return render(scorePromptV1, in)
}

// CoverMessagePrompt renders the prompt used to draft a cover message.
func CoverMessagePrompt(in PromptInput) string {
	return render(coverMessagePromptV1, in)
}

func render(template string, in PromptInput) string {
	description := strings.TrimSpace(in.Description)
	if description == "" {
		description = "N/A"
	}
	replacer := strings.NewReplacer(
		"{{PROFILE}}", strings.TrimSpace(in.Profile),
		"{{TITLE}}", strings.TrimSpace(in.Title),
		"{{COMPANY}}", strings.TrimSpace(in.Company),
		"{{DESCRIPTION}}", description,
		"{{REASONING}}", strings.TrimSpace(in.Reasoning),
	)
	return replacer.Replace(template)
}
