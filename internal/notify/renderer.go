// Package notify は確認メールの本文生成と送信を行う。
package notify

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/hitoshi/xmppaccount/internal/model"
	"github.com/hitoshi/xmppaccount/internal/security"
)

//go:embed templates/*.html
var templateFS embed.FS

// Data はテンプレートに渡す値。
type Data struct {
	JID        string
	Domain     string
	URI        string
	ExpiresIn  string
	ContactURL string
}

// Rendered は生成済みの件名と本文。
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

type purposeTemplates struct {
	subject *texttemplate.Template
	body    *htmltemplate.Template
}

// Renderer はpurposeごとのテンプレートからメール本文を生成する。
// text/plainパートはHTMLから導出する。
type Renderer struct {
	templates map[model.Purpose]purposeTemplates
	sanitizer security.ContentSanitizerService
}

// NewRenderer は埋め込みテンプレートを読み込んでRendererを生成する。
func NewRenderer(sanitizer security.ContentSanitizerService) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[model.Purpose]purposeTemplates, len(model.Purposes)),
		sanitizer: sanitizer,
	}
	for _, p := range model.Purposes {
		files := []string{"templates/footer.html", "templates/" + string(p) + ".html"}
		body, err := htmltemplate.ParseFS(templateFS, files...)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s template: %w", p, err)
		}
		subject, err := texttemplate.ParseFS(templateFS, files...)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s subject: %w", p, err)
		}
		r.templates[p] = purposeTemplates{subject: subject, body: body}
	}
	return r, nil
}

// Render はpurposeに対応するメールを生成する。
func (r *Renderer) Render(purpose model.Purpose, data Data) (*Rendered, error) {
	t, ok := r.templates[purpose]
	if !ok {
		return nil, fmt.Errorf("no template for purpose %q", purpose)
	}

	var subject bytes.Buffer
	if err := t.subject.ExecuteTemplate(&subject, "subject", data); err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	var body bytes.Buffer
	if err := t.body.ExecuteTemplate(&body, "body", data); err != nil {
		return nil, fmt.Errorf("failed to render body: %w", err)
	}

	html := r.sanitizer.Sanitize(body.String())
	return &Rendered{
		Subject: strings.TrimSpace(subject.String()),
		Text:    r.sanitizer.PlainText(html),
		HTML:    html,
	}, nil
}

// FormatTTL は有効期限を「48 hours」のような表記にする。
func FormatTTL(ttl time.Duration) string {
	switch {
	case ttl >= time.Hour && ttl%time.Hour == 0:
		h := int(ttl / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case ttl >= time.Minute:
		return fmt.Sprintf("%d minutes", int(ttl/time.Minute))
	default:
		return ttl.String()
	}
}
