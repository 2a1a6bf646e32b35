package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template is a message body with {{key}} placeholders.
type Template struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Body string `json:"body"`
}

var builtInTemplates = []Template{
	{TemplateQueueJoined, "Queue joined",
		"{{patient_name}}, you are number {{number}} in the queue for {{specialist}} on {{day}}."},
	{TemplateVisitConfirmed, "Visit confirmed",
		"Your visit on {{day}} is confirmed. You will receive your queue number on the morning of the visit."},
	{TemplateVisitQueued, "Visit queued",
		"Your visit is confirmed. Your number for {{specialist}} today is {{number}}."},
	{TemplateTransferred, "Force-majeure transfer",
		"Your appointment with {{specialist}} was moved to {{day}} ({{reason}}). Your new number is {{number}} and you will be served with priority."},
	{TemplateCancelled, "Force-majeure cancellation",
		"Your appointment with {{specialist}} was cancelled ({{reason}}). {{refund_note}}"},
	{TemplateConfirmationRequired, "Confirmation link",
		"Please confirm your visit on {{day}}: {{link}}"},
}

// TemplateEngine renders patient messages by template id.
type TemplateEngine struct {
	mu   sync.RWMutex
	byID map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{byID: make(map[string]Template, len(builtInTemplates))}
	for _, t := range builtInTemplates {
		e.byID[t.ID] = t
	}
	return e
}

// RegisterTemplate adds t or replaces the template with the same id.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	e.byID[t.ID] = t
	e.mu.Unlock()
}

// Render fills the placeholders of templateID from data. Placeholders without
// a value stay in the text so a missing field is visible in the message log.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (string, error) {
	e.mu.RLock()
	t, ok := e.byID[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown template %q", templateID)
	}

	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t.Body), nil
}
