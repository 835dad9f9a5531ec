package extractor

import (
	_ "embed"
	"fmt"
	"strings"
)

// ContextSlot is the single placeholder the prompt template must contain.
const ContextSlot = "{context}"

//go:embed prompts/fhir_prompt.txt
var defaultPromptTemplate string

// Prompt is an extraction prompt template with exactly one context slot.
type Prompt struct {
	template string
}

// NewPrompt checks that tmpl contains ContextSlot exactly once.
func NewPrompt(tmpl string) (*Prompt, error) {
	if n := strings.Count(tmpl, ContextSlot); n != 1 {
		return nil, fmt.Errorf("prompt template must contain %s exactly once, found %d", ContextSlot, n)
	}
	return &Prompt{template: tmpl}, nil
}

// DefaultPrompt returns the built-in FHIR extraction prompt.
func DefaultPrompt() *Prompt {
	return &Prompt{template: defaultPromptTemplate}
}

func (p *Prompt) Format(context string) string {
	return strings.Replace(p.template, ContextSlot, context, 1)
}

// JoinContext concatenates retrieved chunk texts in rank order, separated by a
// blank line.
func JoinContext(texts []string) string {
	return strings.Join(texts, "\n\n")
}
