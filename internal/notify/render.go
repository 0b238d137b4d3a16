// internal/notify/render.go
package notify

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	SubjectOverdue = "Library Books Overdue Notice"
	SubjectDueSoon = "Books Due Soon Reminder"
)

type OverdueItem struct {
	Title       string
	Author      string
	DueDate     time.Time
	DaysOverdue int
}

type OverdueNotice struct {
	PatronName string
	Books      []OverdueItem
}

type DueSoonItem struct {
	Title   string
	Author  string
	DueDate time.Time
}

type DueSoonNotice struct {
	PatronName string
	Books      []DueSoonItem
}

// Renderer turns notices into HTML messages.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("notify").
		Funcs(template.FuncMap{
			"date": func(t time.Time) string { return t.UTC().Format("January 2, 2006") },
		}).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) OverdueNotice(to string, n OverdueNotice) (Message, error) {
	return r.render(to, SubjectOverdue, "overdue_notice.html", n)
}

func (r *Renderer) DueSoonNotice(to string, n DueSoonNotice) (Message, error) {
	return r.render(to, SubjectDueSoon, "due_soon_notice.html", n)
}

func (r *Renderer) render(to, subject, name string, data any) (Message, error) {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTMLBody: buf.String()}, nil
}
