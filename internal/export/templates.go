package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
	"shortVersion": func(v string) string {
		if len(v) > 12 {
			return v[:12]
		}
		return v
	},
}).Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Version     string
	Author      string
	PublishedAt time.Time
	ContentHTML template.HTML
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 760px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .group { margin-left: 1.5rem; }
    pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; }
    blockquote { border-left: 3px solid #999; margin-left: 0; padding-left: 1rem; color: #555; }
    figure img { max-width: 100%; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .Author}}{{.Author}} | {{end}}{{formatDate .PublishedAt "Jan 2, 2006"}}{{if .Version}} | version {{shortVersion .Version}}{{end}}</div>
  <article>
{{.ContentHTML}}
  </article>
</body>
</html>`
