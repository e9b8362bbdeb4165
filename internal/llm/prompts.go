package llm

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

//go:embed prompts/*.txt
var promptFS embed.FS

// Prompt is a rendered system and user message pair.
type Prompt struct {
	System string
	User   string
}

type promptTemplate struct {
	system string
	user   *template.Template
}

var (
	promptsOnce sync.Once
	prompts     map[string]promptTemplate
	promptsErr  error
)

var promptFuncs = template.FuncMap{
	"json": func(v any) string {
		switch t := v.(type) {
		case nil:
			return ""
		case string:
			return t
		case json.RawMessage:
			return string(t)
		case []byte:
			return string(t)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	},
}

func loadPrompts() (map[string]promptTemplate, error) {
	promptsOnce.Do(func() {
		entries, err := promptFS.ReadDir("prompts")
		if err != nil {
			promptsErr = err
			return
		}
		prompts = make(map[string]promptTemplate, len(entries))
		for _, entry := range entries {
			raw, err := promptFS.ReadFile("prompts/" + entry.Name())
			if err != nil {
				promptsErr = err
				return
			}
			id := strings.TrimSuffix(entry.Name(), ".txt")
			system, user, ok := strings.Cut(string(raw), "\n---\n")
			if !ok {
				promptsErr = fmt.Errorf("prompt %s: missing separator", id)
				return
			}
			tmpl, err := template.New(id).Funcs(promptFuncs).Option("missingkey=zero").Parse(user)
			if err != nil {
				promptsErr = fmt.Errorf("prompt %s: %w", id, err)
				return
			}
			prompts[id] = promptTemplate{system: strings.TrimSpace(system), user: tmpl}
		}
	})
	return prompts, promptsErr
}

// HasPrompt reports whether a template exists for templateID.
func HasPrompt(templateID string) bool {
	all, err := loadPrompts()
	if err != nil {
		return false
	}
	_, ok := all[templateID]
	return ok
}

// RenderPrompt renders the prompt for a request.
func RenderPrompt(req Request) (Prompt, error) {
	all, err := loadPrompts()
	if err != nil {
		return Prompt{}, err
	}
	tmpl, ok := all[req.TemplateID]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: %s", ErrUnknownPrompt, req.TemplateID)
	}
	data := make(map[string]any, len(req.Variables)+1)
	for k, v := range req.Variables {
		data[k] = v
	}
	locale := req.Locale
	if locale == "" {
		locale = "en"
	}
	data["locale"] = locale

	var b strings.Builder
	if err := tmpl.user.Execute(&b, data); err != nil {
		return Prompt{}, fmt.Errorf("render prompt %s: %w", req.TemplateID, err)
	}
	return Prompt{System: tmpl.system, User: strings.TrimSpace(b.String())}, nil
}
