package app

import (
	"encoding/json"
	"strings"

	gateway "github.com/palisade-ai/palisade/internal"
)

// preset is a named sampling profile applied when the caller does not set
// the corresponding parameters explicitly.
type preset struct {
	temperature float64
	topP        float64
}

var presets = map[string]preset{
	"creative":       {temperature: 0.9, topP: 0.95},
	"coding":         {temperature: 0.2, topP: 0.9},
	"analytical":     {temperature: 0.3, topP: 0.9},
	"conversational": {temperature: 0.7, topP: 0.95},
	"translation":    {temperature: 0.3, topP: 0.9},
	"summarization":  {temperature: 0.4, topP: 0.9},
}

// PresetNames lists the supported parameter presets.
func PresetNames() []string {
	return []string{"analytical", "coding", "conversational", "creative", "summarization", "translation"}
}

// prepareChat applies the parameter preset and expands the prompt template
// on a shallow copy, leaving the caller's request untouched. Explicit
// parameters always win over the preset.
func prepareChat(req *gateway.ChatRequest) (*gateway.ChatRequest, error) {
	out := *req

	if req.ParameterPreset != "" {
		p, ok := presets[req.ParameterPreset]
		if !ok {
			return nil, gateway.E(gateway.CodeValidationInvalid,
				"unknown parameter preset %q", req.ParameterPreset)
		}
		if out.Temperature == nil {
			t := p.temperature
			out.Temperature = &t
		}
		if out.TopP == nil {
			tp := p.topP
			out.TopP = &tp
		}
	}

	if req.PromptTemplate != "" {
		rendered, err := expandTemplate(req.PromptTemplate, req.TemplateVariables)
		if err != nil {
			return nil, err
		}
		content, _ := json.Marshal(rendered)
		msgs := make([]gateway.Message, 0, len(req.Messages)+1)
		msgs = append(msgs, gateway.Message{Role: "system", Content: content})
		msgs = append(msgs, req.Messages...)
		out.Messages = msgs
	} else if len(req.TemplateVariables) > 0 {
		msgs := make([]gateway.Message, len(req.Messages))
		copy(msgs, req.Messages)
		for i, m := range msgs {
			var s string
			if err := json.Unmarshal(m.Content, &s); err != nil {
				continue // structured content is passed through untouched
			}
			rendered, err := expandTemplate(s, req.TemplateVariables)
			if err != nil {
				return nil, err
			}
			if rendered != s {
				content, _ := json.Marshal(rendered)
				msgs[i].Content = content
			}
		}
		out.Messages = msgs
	}

	// Template plumbing never reaches the upstream.
	out.ParameterPreset = ""
	out.PromptTemplate = ""
	out.TemplateVariables = nil
	return &out, nil
}

// expandTemplate substitutes {{var}} placeholders. An unresolved
// placeholder is a caller error, not silent passthrough.
func expandTemplate(s string, vars map[string]string) (string, error) {
	var b strings.Builder
	for {
		i := strings.Index(s, "{{")
		if i < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		j := strings.Index(s[i:], "}}")
		if j < 0 {
			b.WriteString(s)
			return b.String(), nil
		}
		name := strings.TrimSpace(s[i+2 : i+j])
		val, ok := vars[name]
		if !ok {
			return "", gateway.E(gateway.CodeValidationInvalid,
				"template variable %q not provided", name)
		}
		b.WriteString(s[:i])
		b.WriteString(val)
		s = s[i+j+2:]
	}
}
