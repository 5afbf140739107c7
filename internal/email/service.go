// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-eegflow"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// StageAdvanceData holds data for the stage advancement notification
type StageAdvanceData struct {
	AppName     string
	PatientName string
	AdmissionID string
	FromStage   string
	ToStage     string
	ActorName   string
	ExamURL     string
}

// SendStageAdvanceEmail notifies the next responsible staff group that an
// exam moved into their stage.
func (s *Service) SendStageAdvanceEmail(to []string, data StageAdvanceData) error {
	data.AppName = "EEGFlow"

	subject := fmt.Sprintf("Exam %s advanced to %s", data.AdmissionID, data.ToStage)
	html, err := renderTemplate(stageAdvanceEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render stage advance template: %w", err)
	}

	return s.SendHTMLEmail(to, subject, html)
}

// ExamCompletedData holds data for the exam completion notification
type ExamCompletedData struct {
	AppName     string
	PatientName string
	AdmissionID string
	ActorName   string
	ReportURL   string
}

// SendExamCompletedEmail notifies the referring staff that an exam reached
// its terminal stage and the report is available.
func (s *Service) SendExamCompletedEmail(to []string, data ExamCompletedData) error {
	data.AppName = "EEGFlow"

	subject := fmt.Sprintf("Exam %s completed", data.AdmissionID)
	html, err := renderTemplate(examCompletedEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render exam completed template: %w", err)
	}

	return s.SendHTMLEmail(to, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const stageAdvanceEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Exam advanced</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .stage { background: #eef6ff; padding: 12px; border-radius: 4px; margin: 20px 0; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Exam advanced to {{.ToStage}}</h2>

    <p>The exam for <strong>{{.PatientName}}</strong> (admission {{.AdmissionID}}) has moved on.</p>

    <div class="stage">
        <strong>{{.FromStage}}</strong> &rarr; <strong>{{.ToStage}}</strong><br>
        Submitted by {{.ActorName}}.
    </div>

    {{if .ExamURL}}<p>
        <a href="{{.ExamURL}}" class="button">Open Exam</a>
    </p>{{end}}

    <div class="footer">
        <p>You are receiving this because your team is responsible for the {{.ToStage}} stage.</p>
    </div>
</body>
</html>`

const examCompletedEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Exam completed</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>Exam completed</h2>

    <p>The exam for <strong>{{.PatientName}}</strong> (admission {{.AdmissionID}}) was signed off by {{.ActorName}} and is now complete.</p>

    {{if .ReportURL}}<p>
        <a href="{{.ReportURL}}" class="button">View Report</a>
    </p>{{end}}

    <div class="footer">
        <p>The final report can be exported as PDF or DOCX from the exam page.</p>
    </div>
</body>
</html>`
