package task

// Canonical phase identifiers, in progression order.
const (
	PhaseFoundation   = "phase_1_foundation"
	PhaseIntelligence = "phase_2_intelligence"
	PhaseCoordination = "phase_3_coordination"
	PhaseOptimization = "phase_4_optimization"
)

// PhaseDef describes one canonical phase.
type PhaseDef struct {
	ID           string
	Title        string
	Description  string
	Order        int
	Prerequisite string // previous phase id, empty for phase 1
}

// PhaseOrder is the fixed linear progression 1 -> 2 -> 3 -> 4.
var PhaseOrder = []string{PhaseFoundation, PhaseIntelligence, PhaseCoordination, PhaseOptimization}

var phaseDefs = map[string]PhaseDef{
	PhaseFoundation: {
		ID:          PhaseFoundation,
		Title:       "Phase 1: Foundation",
		Description: "Core infrastructure: database, authentication, base APIs and components",
		Order:       1,
	},
	PhaseIntelligence: {
		ID:           PhaseIntelligence,
		Title:        "Phase 2: Intelligence",
		Description:  "Business logic, calculators, data processing and integrations",
		Order:        2,
		Prerequisite: PhaseFoundation,
	},
	PhaseCoordination: {
		ID:           PhaseCoordination,
		Title:        "Phase 3: Coordination",
		Description:  "User-facing surfaces: dashboards, pages, cross-feature workflows",
		Order:        3,
		Prerequisite: PhaseIntelligence,
	},
	PhaseOptimization: {
		ID:           PhaseOptimization,
		Title:        "Phase 4: Optimization",
		Description:  "Testing, performance, deployment and polish",
		Order:        4,
		Prerequisite: PhaseCoordination,
	},
}

// GetPhaseDef returns the definition for a canonical phase id.
func GetPhaseDef(id string) (PhaseDef, bool) {
	d, ok := phaseDefs[id]
	return d, ok
}

// PhaseIDForType maps a short phase type name (as accepted by the
// create_phase tool) to its canonical identifier.
func PhaseIDForType(phaseType string) (string, bool) {
	switch phaseType {
	case "foundation", "1", PhaseFoundation:
		return PhaseFoundation, true
	case "intelligence", "2", PhaseIntelligence:
		return PhaseIntelligence, true
	case "coordination", "3", PhaseCoordination:
		return PhaseCoordination, true
	case "optimization", "4", PhaseOptimization:
		return PhaseOptimization, true
	}
	return "", false
}

// NextPhase returns the phase after id in the progression, or "".
func NextPhase(id string) string {
	for i, p := range PhaseOrder {
		if p == id && i+1 < len(PhaseOrder) {
			return PhaseOrder[i+1]
		}
	}
	return ""
}
