package lm

import "fmt"

// Turn is a single message in a chat transcript.
type Turn struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// template renders a transcript plus a trailing assistant-turn opener into a
// single prompt string, and names the literal marker that closes an
// assistant turn so the generation loop knows where to stop.
type template struct {
	render func(turns []Turn) string
	stopAt string
}

var templates = map[string]template{
	"chatml":  {render: renderChatML, stopAt: "<|im_end|>"},
	"llama3":  {render: renderLlama3, stopAt: "<|eot_id|>"},
	"gemma":   {render: renderGemma, stopAt: "<end_of_turn>"},
	"phi3":    {render: renderPhi3, stopAt: "<|end|>"},
}

// resolveTemplate looks up a named chat template, defaulting to ChatML
// (the most common instruction-tuned convention) when name is empty or
// unrecognized.
func resolveTemplate(name string) template {
	if t, ok := templates[name]; ok {
		return t
	}

	return templates["chatml"]
}

func renderChatML(turns []Turn) string {
	s := ""
	for _, t := range turns {
		s += fmt.Sprintf("<|im_start|>%s\n%s<|im_end|>\n", t.Role, t.Content)
	}

	return s + "<|im_start|>assistant\n"
}

func renderLlama3(turns []Turn) string {
	s := "<|begin_of_text|>"
	for _, t := range turns {
		s += fmt.Sprintf("<|start_header_id|>%s<|end_header_id|>\n\n%s<|eot_id|>", t.Role, t.Content)
	}

	return s + "<|start_header_id|>assistant<|end_header_id|>\n\n"
}

func renderGemma(turns []Turn) string {
	s := ""
	for _, t := range turns {
		role := t.Role
		if role == "system" {
			// Gemma has no system role; fold it into the first user turn.
			role = "user"
		}

		s += fmt.Sprintf("<start_of_turn>%s\n%s<end_of_turn>\n", role, t.Content)
	}

	return s + "<start_of_turn>model\n"
}

func renderPhi3(turns []Turn) string {
	s := ""
	for _, t := range turns {
		s += fmt.Sprintf("<|%s|>\n%s<|end|>\n", t.Role, t.Content)
	}

	return s + "<|assistant|>\n"
}
