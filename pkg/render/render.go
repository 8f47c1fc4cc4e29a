package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// TimeLayout is the only timestamp format shown to report readers.
const TimeLayout = "2006-01-02 15:04:05"

// Engine renders the HTML templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New parses the embedded templates, formatting timestamps in loc.
func New(loc *time.Location) (*Engine, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := template.New("render").Funcs(funcs(loc)).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template and returns the rendered bytes.
func (e *Engine) Render(name string, data any) ([]byte, error) {
	if e == nil || e.templates == nil {
		return nil, fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func funcs(loc *time.Location) template.FuncMap {
	return template.FuncMap{
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.In(loc).Format(TimeLayout)
		},
		"formatDuration": func(d time.Duration) string {
			return fmt.Sprintf("%dms", d.Milliseconds())
		},
		"href": func(link string) string {
			if strings.Contains(link, "://") || strings.HasPrefix(link, "/") {
				return link
			}
			return "/" + link
		},
		"lower": strings.ToLower,
	}
}
