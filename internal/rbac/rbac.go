package rbac

import "eegflow/api/internal/workflow"

type Role string
type Capability string

const (
	RoleReceptionist  Role = "receptionist"
	RoleNurse         Role = "nurse"
	RoleTechnician    Role = "technician"
	RolePhysician     Role = "physician"
	RoleNeurologist   Role = "neurologist"
	RoleAdministrator Role = "administrator"
)

const (
	CapObserve       Capability = "observe"
	CapRecord        Capability = "record"
	CapAnalyze       Capability = "analyze"
	CapInterpret     Capability = "interpret"
	CapCreateExam    Capability = "createExam"
	CapCreatePatient Capability = "createPatient"
)

// stageCapabilities is the fixed stage -> capability mapping. Stages without a
// mapping (Pending, Completed, anything unknown) fail closed.
var stageCapabilities = map[workflow.Stage]Capability{
	workflow.StageObservation:    CapObserve,
	workflow.StageRecording:      CapRecord,
	workflow.StageAnalysis:       CapAnalyze,
	workflow.StageInterpretation: CapInterpret,
}

// CapabilityFor returns the capability required to submit the given stage.
func CapabilityFor(stage workflow.Stage) (Capability, bool) {
	cap, ok := stageCapabilities[stage]
	return cap, ok
}

// CanSubmit reports whether an actor with the given role and capability flags
// may submit the given stage. Administrators hold every capability implicitly.
func CanSubmit(role Role, caps map[Capability]bool, stage workflow.Stage) bool {
	if role == RoleAdministrator {
		return true
	}
	required, ok := stageCapabilities[stage]
	if !ok {
		return false
	}
	return caps[required]
}

// Has reports whether the actor holds a named capability.
func Has(role Role, caps map[Capability]bool, cap Capability) bool {
	if role == RoleAdministrator {
		return true
	}
	return caps[cap]
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleReceptionist, RoleNurse, RoleTechnician, RolePhysician, RoleNeurologist, RoleAdministrator:
		return Role(role)
	default:
		return RoleReceptionist
	}
}

// ParseCapabilities converts a list of capability names into a flag set,
// ignoring names outside the closed set.
func ParseCapabilities(names []string) map[Capability]bool {
	caps := make(map[Capability]bool, len(names))
	for _, name := range names {
		switch Capability(name) {
		case CapObserve, CapRecord, CapAnalyze, CapInterpret, CapCreateExam, CapCreatePatient:
			caps[Capability(name)] = true
		}
	}
	return caps
}

// CapabilityNames flattens a flag set back into sorted-stable name order.
func CapabilityNames(caps map[Capability]bool) []string {
	ordered := []Capability{CapObserve, CapRecord, CapAnalyze, CapInterpret, CapCreateExam, CapCreatePatient}
	names := make([]string, 0, len(caps))
	for _, cap := range ordered {
		if caps[cap] {
			names = append(names, string(cap))
		}
	}
	return names
}
