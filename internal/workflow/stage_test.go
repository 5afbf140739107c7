package workflow

import "testing"

func TestStageOrder(t *testing.T) {
	want := []Stage{StagePending, StageObservation, StageRecording, StageAnalysis, StageInterpretation, StageCompleted}
	got := Stages()
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStageNext(t *testing.T) {
	next, ok := StagePending.Next()
	if !ok || next != StageObservation {
		t.Fatalf("PENDING.Next() = %s, %v", next, ok)
	}
	if _, ok := StageCompleted.Next(); ok {
		t.Fatal("COMPLETED must have no successor")
	}
	if _, ok := Stage("ARCHIVED").Next(); ok {
		t.Fatal("unknown stage must have no successor")
	}
}

func TestParseStage(t *testing.T) {
	if stage, ok := ParseStage("RECORDING"); !ok || stage != StageRecording {
		t.Fatalf("ParseStage(RECORDING) = %s, %v", stage, ok)
	}
	if _, ok := ParseStage("recording"); ok {
		t.Fatal("stage names are case sensitive")
	}
	if _, ok := ParseStage(""); ok {
		t.Fatal("empty stage must not parse")
	}
}

func TestRequiredFields(t *testing.T) {
	cases := map[Stage][]string{
		StageObservation:    {"condition", "complaint"},
		StageRecording:      {"montage", "filters"},
		StageAnalysis:       {"findings"},
		StageInterpretation: {"impression", "recommendation"},
		StageCompleted:      nil,
		StagePending:        nil,
	}
	for stage, want := range cases {
		got := RequiredFields(stage)
		if len(got) != len(want) {
			t.Fatalf("%s: got %v, want %v", stage, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: got %v, want %v", stage, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StageCompleted.Terminal() {
		t.Fatal("COMPLETED is terminal")
	}
	if StageInterpretation.Terminal() {
		t.Fatal("INTERPRETATION is not terminal")
	}
}
