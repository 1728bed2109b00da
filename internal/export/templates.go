package export

import (
	"bytes"
	"html/template"
	"time"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(reportTemplateHTML))

// TemplateData holds data for report template rendering
type TemplateData struct {
	ProjectName string
	GeneratedAt time.Time
	DocumentIAA float64
	Annotators  []string
	Texts       []TemplateText
}

// TemplateText holds one document row for the report
type TemplateText struct {
	Original       string
	Compiled       string
	AgreementScore float64
	AnnotatorCount int
}

// RenderReportHTML renders the adjudication report template
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const reportTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectName}} adjudication report</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    table { width: 100%; border-collapse: collapse; }
    th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid #ddd; vertical-align: top; }
    td.score { white-space: nowrap; }
    .original { color: #888; font-size: 0.9em; }
  </style>
</head>
<body>
  <h1>{{.ProjectName}}</h1>
  <div class="meta">
    Adjudication report | {{formatDate .GeneratedAt "Jan 2, 2006"}} |
    Document agreement {{printf "%.2f" .DocumentIAA}}%
    {{if .Annotators}}| Annotators: {{range $i, $a := .Annotators}}{{if $i}}, {{end}}{{$a}}{{end}}{{end}}
  </div>
  <table>
    <tr><th>Document</th><th>Agreement</th><th>Annotators</th></tr>
    {{range .Texts}}
    <tr>
      <td>
        <div class="original">{{.Original}}</div>
        <div>{{.Compiled}}</div>
      </td>
      <td class="score">{{printf "%.2f" .AgreementScore}}%</td>
      <td>{{.AnnotatorCount}}</td>
    </tr>
    {{end}}
  </table>
</body>
</html>`
