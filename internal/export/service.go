package export

import (
	"context"
	"fmt"
	"sort"

	"eegflow/api/internal/workflow"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetExam(ctx context.Context, id string) (workflow.ExamRecord, error)
	GetPatient(ctx context.Context, id string) (PatientInfo, error)
	ListSubmissions(ctx context.Context, examID string) ([]workflow.StageSubmission, error)
}

// PatientInfo holds basic patient metadata
type PatientInfo struct {
	ID       string
	FullName string
	Code     string
}

// Service provides exam report export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export generates an exam report in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	exam, err := s.store.GetExam(ctx, req.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get exam: %w", err)
	}

	patient, err := s.store.GetPatient(ctx, exam.PatientID)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}

	subs, err := s.store.ListSubmissions(ctx, req.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	data := buildTemplateData(exam, patient, subs)

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := fmt.Sprintf("EEG Report %s", exam.AdmissionID)
	switch req.Format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

func buildTemplateData(exam workflow.ExamRecord, patient PatientInfo, subs []workflow.StageSubmission) TemplateData {
	data := TemplateData{
		PatientName:   patient.FullName,
		PatientCode:   patient.Code,
		AdmissionID:   exam.AdmissionID,
		AdmissionType: exam.AdmissionType,
		Stage:         string(exam.CurrentStage),
		UpdatedAt:     exam.LastUpdatedAt,
		Sections:      []TemplateSection{},
	}

	for _, sub := range subs {
		section := TemplateSection{
			Stage:         string(sub.Stage),
			SubmittedBy:   sub.SubmittedByName,
			Role:          sub.SubmittedByRole,
			SubmittedAt:   sub.SubmittedAt,
			AttachmentRef: sub.AttachmentRef,
		}
		section.Fields = orderedFields(sub.Stage, sub.Payload)
		data.Sections = append(data.Sections, section)
	}
	return data
}

// orderedFields lists the stage's required fields first, in their canonical
// order, then any extra payload fields alphabetically.
func orderedFields(stage workflow.Stage, payload map[string]string) []TemplateField {
	var fields []TemplateField
	seen := make(map[string]bool)
	for _, name := range workflow.RequiredFields(stage) {
		if value, ok := payload[name]; ok {
			fields = append(fields, TemplateField{Label: fieldLabel(name), Value: value})
			seen[name] = true
		}
	}

	var extras []string
	for name := range payload {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	for _, name := range extras {
		fields = append(fields, TemplateField{Label: fieldLabel(name), Value: payload[name]})
	}
	return fields
}

var fieldLabels = map[string]string{
	"condition":      "Patient condition",
	"complaint":      "Presenting complaint",
	"montage":        "Montage",
	"filters":        "Filter settings",
	"findings":       "Findings",
	"impression":     "Clinical impression",
	"recommendation": "Recommendation",
}

func fieldLabel(name string) string {
	if label, ok := fieldLabels[name]; ok {
		return label
	}
	return name
}
