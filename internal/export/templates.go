package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		// Fallback to built-in template if file not found
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// TemplateData holds data for report template rendering
type TemplateData struct {
	PatientName   string
	PatientCode   string
	AdmissionID   string
	AdmissionType string
	Stage         string
	UpdatedAt     time.Time
	Sections      []TemplateSection
}

// TemplateSection holds one stage submission for the template
type TemplateSection struct {
	Stage         string
	SubmittedBy   string
	Role          string
	SubmittedAt   time.Time
	Fields        []TemplateField
	AttachmentRef string
}

// TemplateField is one labeled payload value
type TemplateField struct {
	Label string
	Value string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>EEG Report {{.AdmissionID}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .section { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .field-label { font-weight: bold; }
  </style>
</head>
<body>
  <h1>EEG Examination Report</h1>
  <div class="meta">
    {{.PatientName}} ({{.PatientCode}}) | Admission {{.AdmissionID}} ({{.AdmissionType}}) |
    Stage: {{.Stage}} | {{.UpdatedAt.Format "Jan 2, 2006"}}
  </div>
  {{range .Sections}}
  <div class="section">
    <h2>{{.Stage}}</h2>
    <p>Submitted by {{.SubmittedBy}} ({{.Role}}) on {{.SubmittedAt.Format "Jan 2, 2006 15:04"}}</p>
    {{range .Fields}}<p><span class="field-label">{{.Label}}:</span> {{.Value}}</p>{{end}}
    {{if .AttachmentRef}}<p>Attachment: {{.AttachmentRef}}</p>{{end}}
  </div>
  {{end}}
</body>
</html>`
