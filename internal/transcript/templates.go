package transcript

import (
	"bytes"
	"embed"
	"html/template"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var transcriptTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("2006-01-02 15:04:05")
		},
	}

	content, err := templateFS.ReadFile("templates/transcript.html")
	if err != nil {
		transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}
	transcriptTemplate = template.Must(template.New("transcript").Funcs(funcMap).Parse(string(content)))
}

// TemplateData feeds the transcript template.
type TemplateData struct {
	ChannelName string
	Scope       string
	OwnerName   string
	CapturedAt  time.Time
	Incomplete  bool
	Entries     []Entry
}

func renderHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := transcriptTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.ChannelName}}</title></head>
<body>
<h1>{{.ChannelName}}</h1>
<p>{{.Scope}} session opened by {{.OwnerName}}, captured {{formatTime .CapturedAt}}</p>
{{if .Incomplete}}<p><em>Capture incomplete: earlier messages may be missing.</em></p>{{end}}
{{range .Entries}}<div><b>{{.AuthorName}}</b> <small>{{formatTime .SentAt}}</small><p>{{.Body}}</p></div>
{{end}}
</body>
</html>`
