package digest

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
	"github.com/worknow/newsletter/internal/domain"
)

// Default templates for scheduled digests.
const (
	DefaultSubject = `New candidate in {{ candidate.city | default: "your area" }}: {{ candidate.name }}`
	DefaultBody    = `Hello {{ recipient.firstName | default: "there" }},

A new candidate matching your preferences was just added.

{{ candidate.name }}{% if candidate.category != "" %} ({{ candidate.category }}){% endif %}
{% if candidate.city != "" %}City: {{ candidate.city }}
{% endif %}{% if candidate.employment != "" %}Employment: {{ candidate.employment }}
{% endif %}{% if candidate.languages != "" %}Languages: {{ candidate.languages }}
{% endif %}{% if message != "" %}
{{ message }}
{% endif %}`
)

// Renderer compiles Liquid templates once and renders them per candidate.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the newsletter's filters registered.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()
	// Default value filter: {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})
	return &Renderer{engine: engine}
}

// Validate reports template syntax errors without rendering.
func (r *Renderer) Validate(tpl string) error {
	_, err := r.parse(tpl)
	return err
}

func (r *Renderer) parse(tpl string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(tpl); ok {
		return cached.(*liquid.Template), nil
	}
	parsed, err := r.engine.ParseString(tpl)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	r.cache.Store(tpl, parsed)
	return parsed, nil
}

// Render produces subject and body for c. message is the admin's optional
// free text, exposed to templates as {{ message }}.
func (r *Renderer) Render(subjectTpl, bodyTpl string, c domain.Candidate, message string) (string, string, error) {
	bindings := candidateBindings(c, message)
	subject, err := r.render(subjectTpl, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}
	body, err := r.render(bodyTpl, bindings)
	if err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return strings.TrimSpace(subject), body, nil
}

func (r *Renderer) render(tpl string, bindings map[string]interface{}) (string, error) {
	parsed, err := r.parse(tpl)
	if err != nil {
		return "", err
	}
	out, rerr := parsed.RenderString(bindings)
	if rerr != nil {
		return "", rerr
	}
	return out, nil
}

func candidateBindings(c domain.Candidate, message string) map[string]interface{} {
	return map[string]interface{}{
		"candidate": map[string]interface{}{
			"id":           c.ID,
			"name":         c.Name,
			"description":  c.Description,
			"city":         c.City,
			"category":     c.Category,
			"employment":   c.Employment,
			"documentType": c.DocumentType,
			"languages":    strings.Join(c.Languages, ", "),
			"gender":       string(c.Gender),
			"isDemanded":   c.IsDemanded,
		},
		// Per-recipient fields are left to the mailer; templates fall back
		// to their defaults here.
		"recipient": map[string]interface{}{},
		"message":   message,
	}
}
