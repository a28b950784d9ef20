package agents

// ID identifies one pipeline stage mirrored on the board.
type ID string

const (
	Symptom         ID = "symptom"
	Complexity      ID = "complexity"
	PrimaryCare     ID = "pcp"
	SpecialistPanel ID = "mdt"
	Simplifier      ID = "simplify"
	DoctorReview    ID = "doctor"
)

// Status of an agent card.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	// StatusFailed is set on every unfinished agent when the channel aborts.
	StatusFailed Status = "failed"
)

// Agent is the client-side record of one stage.
type Agent struct {
	ID       ID     `json:"id"`
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	Status   Status `json:"status"`
	Output   string `json:"output"`
	Visible  bool   `json:"visible"`
}

type definition struct {
	id       ID
	title    string
	subtitle string
	// doneSubtitle replaces subtitle when the stage completes.
	doneSubtitle string
}

// registry is fixed; its order is the display order.
var registry = []definition{
	{Symptom, "Symptom Collector", "Extracting and structuring patient symptoms", "Symptoms extracted"},
	{Complexity, "Complexity Assessor", "Assessing clinical risk and triage level", "Case complexity determined"},
	{PrimaryCare, "Primary Care Agent", "Rule-based primary care assessment", ""},
	{SpecialistPanel, "MDT Specialist Panel", "Virtual multi-specialist review", ""},
	{Simplifier, "Response Simplifier", "Generating nurse-friendly clinical summary", "Summary ready"},
	{DoctorReview, "Doctor Review", "Human validation and sign-off", ""},
}

// IDs returns the agent ids in display order.
func IDs() []ID {
	out := make([]ID, len(registry))
	for i, d := range registry {
		out[i] = d.id
	}
	return out
}

// Valid reports whether id names a registered agent.
func Valid(id ID) bool {
	return indexOf(id) >= 0
}

func indexOf(id ID) int {
	for i, d := range registry {
		if d.id == id {
			return i
		}
	}
	return -1
}
