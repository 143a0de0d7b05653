package provider

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/kursadbilgin/delivery-engine/internal/domain"
)

// Template keys produced by the fulfillment flow.
const (
	TemplateDownloadReady  = "download_ready"
	TemplateDownloadResend = "download_resend"
	TemplateOrderReceipt   = "order_receipt"
)

// MaxListItems is the number of list entries rendered into a single WhatsApp
// parameter before the remainder is summarized.
const MaxListItems = 3

// EmailContent is a rendered email.
type EmailContent struct {
	Subject string
	Text    string
	HTML    string
}

// EmailRenderer maps a template key and variables to email content.
type EmailRenderer interface {
	RenderEmail(templateKey string, vars domain.Variables) (EmailContent, error)
}

// EmailTemplate is the source of one email template.
type EmailTemplate struct {
	Subject string
	Text    string
	HTML    string
}

type compiledEmail struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

// TemplateRenderer renders email templates from an in-process catalog.
type TemplateRenderer struct {
	mu        sync.RWMutex
	templates map[string]compiledEmail
}

func NewTemplateRenderer(templates map[string]EmailTemplate) (*TemplateRenderer, error) {
	r := &TemplateRenderer{templates: make(map[string]compiledEmail, len(templates))}
	for key, tmpl := range templates {
		if err := r.Register(key, tmpl); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *TemplateRenderer) Register(key string, tmpl EmailTemplate) error {
	funcs := texttemplate.FuncMap{"join": strings.Join}

	subject, err := texttemplate.New(key + ".subject").Funcs(funcs).Option("missingkey=zero").Parse(tmpl.Subject)
	if err != nil {
		return fmt.Errorf("parse subject template %s: %w", key, err)
	}
	text, err := texttemplate.New(key + ".text").Funcs(funcs).Option("missingkey=zero").Parse(tmpl.Text)
	if err != nil {
		return fmt.Errorf("parse text template %s: %w", key, err)
	}

	compiled := compiledEmail{subject: subject, text: text}
	if strings.TrimSpace(tmpl.HTML) != "" {
		html, err := htmltemplate.New(key + ".html").Funcs(htmltemplate.FuncMap{"join": strings.Join}).Option("missingkey=zero").Parse(tmpl.HTML)
		if err != nil {
			return fmt.Errorf("parse html template %s: %w", key, err)
		}
		compiled.html = html
	}

	r.mu.Lock()
	r.templates[key] = compiled
	r.mu.Unlock()
	return nil
}

func (r *TemplateRenderer) RenderEmail(templateKey string, vars domain.Variables) (EmailContent, error) {
	r.mu.RLock()
	compiled, ok := r.templates[templateKey]
	r.mu.RUnlock()
	if !ok {
		return EmailContent{}, fmt.Errorf("%w: unknown email template %q", domain.ErrValidation, templateKey)
	}

	data := templateData(vars)

	var subject, text bytes.Buffer
	if err := compiled.subject.Execute(&subject, data); err != nil {
		return EmailContent{}, fmt.Errorf("render subject %s: %w", templateKey, err)
	}
	if err := compiled.text.Execute(&text, data); err != nil {
		return EmailContent{}, fmt.Errorf("render text %s: %w", templateKey, err)
	}

	content := EmailContent{
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
	}
	if compiled.html != nil {
		var html bytes.Buffer
		if err := compiled.html.Execute(&html, data); err != nil {
			return EmailContent{}, fmt.Errorf("render html %s: %w", templateKey, err)
		}
		content.HTML = html.String()
	}
	return content, nil
}

// templateData exposes list variables as []string so templates can range over them.
func templateData(vars domain.Variables) map[string]any {
	data := make(map[string]any, len(vars))
	for key, value := range vars {
		switch value.(type) {
		case []any, []string:
			data[key] = vars.ListVariable(key)
		default:
			data[key] = value
		}
	}
	return data
}

// DefaultEmailTemplates covers the templates the fulfillment flow enqueues.
func DefaultEmailTemplates() map[string]EmailTemplate {
	downloadText := `Hi {{.customer_name}},

Your order {{.order_id}} is ready. Download your files here:
{{range .links}}- {{.}}
{{end}}
Links expire after {{.expiry_days}} days.
`
	downloadHTML := `<p>Hi {{.customer_name}},</p>
<p>Your order {{.order_id}} is ready. Download your files here:</p>
<ul>{{range .links}}<li><a href="{{.}}">{{.}}</a></li>{{end}}</ul>
<p>Links expire after {{.expiry_days}} days.</p>`

	return map[string]EmailTemplate{
		TemplateDownloadReady: {
			Subject: `Your order {{.order_id}} is ready to download`,
			Text:    downloadText,
			HTML:    downloadHTML,
		},
		TemplateDownloadResend: {
			Subject: `Your download links for order {{.order_id}}`,
			Text:    downloadText,
			HTML:    downloadHTML,
		},
		TemplateOrderReceipt: {
			Subject: `Receipt for order {{.order_id}}`,
			Text:    "Hi {{.customer_name}},\n\nThanks for your order {{.order_id}}.\n",
		},
	}
}

// WhatsAppTemplate maps a template key to an approved Cloud API template and
// the variables that fill its positional body parameters, in order.
type WhatsAppTemplate struct {
	Name       string
	Language   string
	BodyParams []string
}

// DefaultWhatsAppTemplates covers the templates the fulfillment flow enqueues.
func DefaultWhatsAppTemplates() map[string]WhatsAppTemplate {
	return map[string]WhatsAppTemplate{
		TemplateDownloadReady: {
			Name:       "download_ready",
			Language:   "en",
			BodyParams: []string{"customer_name", "order_id", "links"},
		},
		TemplateDownloadResend: {
			Name:       "download_resend",
			Language:   "en",
			BodyParams: []string{"customer_name", "order_id", "links"},
		},
		TemplateOrderReceipt: {
			Name:       "order_receipt",
			Language:   "en",
			BodyParams: []string{"customer_name", "order_id"},
		},
	}
}

// TruncateList renders at most max items and summarizes the rest as "+N more".
func TruncateList(items []string, max int) string {
	if max <= 0 {
		max = MaxListItems
	}
	if len(items) <= max {
		return strings.Join(items, ", ")
	}
	shown := strings.Join(items[:max], ", ")
	return fmt.Sprintf("%s +%d more", shown, len(items)-max)
}
