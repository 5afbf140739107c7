package export

import (
	"strings"
	"testing"
	"time"

	"eegflow/api/internal/workflow"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"EEG Report ADM-1001", "EEG-Report-ADM-1001"},
		{"My Report v1.2", "My-Report-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "report"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},       // Spaces encoded as %20, not +
		{"test+sign", "test%2Bsign"},           // + signs are encoded
		{"special<>", "special%3C%3E"},         // Special chars encoded
		{"normal-text.txt", "normal-text.txt"}, // Unreserved chars pass through
		{"", ""},                               // Empty string
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestOrderedFields(t *testing.T) {
	payload := map[string]string{
		"filters":    "0.5-70Hz",
		"montage":    "10-20",
		"technician": "note",
	}

	fields := orderedFields(workflow.StageRecording, payload)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %d", len(fields))
	}
	// Required fields first, canonical order, then extras.
	if fields[0].Label != "Montage" || fields[1].Label != "Filter settings" {
		t.Errorf("unexpected field order: %+v", fields)
	}
	if fields[2].Label != "technician" {
		t.Errorf("extra field should come last: %+v", fields)
	}
}

func TestRenderReportHTML(t *testing.T) {
	data := TemplateData{
		PatientName:   "Ruth Okafor",
		PatientCode:   "PT-204",
		AdmissionID:   "ADM-1001",
		AdmissionType: "outpatient",
		Stage:         "ANALYSIS",
		UpdatedAt:     time.Date(2025, 5, 14, 10, 30, 0, 0, time.UTC),
		Sections: []TemplateSection{
			{
				Stage:       "RECORDING",
				SubmittedBy: "Dana Reyes",
				Role:        "technician",
				SubmittedAt: time.Date(2025, 5, 14, 9, 0, 0, 0, time.UTC),
				Fields: []TemplateField{
					{Label: "Montage", Value: "10-20"},
					{Label: "Filter settings", Value: "0.5-70Hz"},
				},
				AttachmentRef: "exam-1/att_abc-trace.edf",
			},
		},
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}

	for _, want := range []string{"Ruth Okafor", "ADM-1001", "RECORDING", "Dana Reyes", "Montage", "10-20", "exam-1/att_abc-trace.edf"} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
}

func TestBuildTemplateDataSections(t *testing.T) {
	exam := workflow.ExamRecord{
		ID:            "exam-1",
		PatientID:     "pat-1",
		AdmissionID:   "ADM-1001",
		AdmissionType: "inpatient",
		CurrentStage:  workflow.StageAnalysis,
	}
	patient := PatientInfo{ID: "pat-1", FullName: "Ruth Okafor", Code: "PT-204"}
	subs := []workflow.StageSubmission{
		{Stage: workflow.StageObservation, SubmittedByName: "Sam Liu", SubmittedByRole: "nurse", Payload: map[string]string{"condition": "stable", "complaint": "episodic staring"}},
		{Stage: workflow.StageRecording, SubmittedByName: "Dana Reyes", SubmittedByRole: "technician", Payload: map[string]string{"montage": "10-20", "filters": "0.5-70Hz"}},
	}

	data := buildTemplateData(exam, patient, subs)
	if len(data.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(data.Sections))
	}
	if data.Sections[0].Stage != "OBSERVATION" || data.Sections[1].Stage != "RECORDING" {
		t.Errorf("sections out of order: %+v", data.Sections)
	}
	if data.Sections[0].Fields[0].Label != "Patient condition" {
		t.Errorf("unexpected first field: %+v", data.Sections[0].Fields)
	}
}
