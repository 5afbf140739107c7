package workflow

// Stage is one step of the fixed exam lifecycle. Transitions move forward one
// stage at a time; only an administrator may force an arbitrary stage.
type Stage string

const (
	StagePending        Stage = "PENDING"
	StageObservation    Stage = "OBSERVATION"
	StageRecording      Stage = "RECORDING"
	StageAnalysis       Stage = "ANALYSIS"
	StageInterpretation Stage = "INTERPRETATION"
	StageCompleted      Stage = "COMPLETED"
)

var stageOrder = []Stage{
	StagePending,
	StageObservation,
	StageRecording,
	StageAnalysis,
	StageInterpretation,
	StageCompleted,
}

// requiredFields lists the payload fields that must be non-empty for a
// submission targeting each stage. Stages absent from the map need no payload.
var requiredFields = map[Stage][]string{
	StageObservation:    {"condition", "complaint"},
	StageRecording:      {"montage", "filters"},
	StageAnalysis:       {"findings"},
	StageInterpretation: {"impression", "recommendation"},
}

// Stages returns the lifecycle in order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

func ParseStage(value string) (Stage, bool) {
	for _, stage := range stageOrder {
		if Stage(value) == stage {
			return stage, true
		}
	}
	return "", false
}

func (s Stage) Valid() bool {
	_, ok := ParseStage(string(s))
	return ok
}

// Next returns the stage immediately following s, or false when s is terminal
// or unknown.
func (s Stage) Next() (Stage, bool) {
	for i, stage := range stageOrder {
		if stage == s {
			if i+1 >= len(stageOrder) {
				return "", false
			}
			return stageOrder[i+1], true
		}
	}
	return "", false
}

func (s Stage) Terminal() bool {
	return s == StageCompleted
}

// RequiredFields returns the payload fields a submission for stage must carry.
func RequiredFields(stage Stage) []string {
	fields := requiredFields[stage]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}
