package models

// EligibilityStatus classifies a user's standing against a level's prerequisite.
type EligibilityStatus string

// Resolver outcomes. "eligible" means the level has no gate at all; the other
// values classify the latest graded attempt at the prerequisite level.
const (
	EligibilityEligible    EligibilityStatus = "eligible"
	EligibilityPass        EligibilityStatus = "pass"
	EligibilityConditional EligibilityStatus = "conditional"
	EligibilityFail        EligibilityStatus = "fail"
	EligibilityIneligible  EligibilityStatus = "ineligible"
)

// Admits reports whether the status permits creating an enrollment.
func (s EligibilityStatus) Admits() bool {
	switch s {
	case EligibilityEligible, EligibilityPass, EligibilityConditional:
		return true
	}
	return false
}

// Eligibility is the resolver's verdict for a user and target level.
type Eligibility struct {
	Status      EligibilityStatus `json:"status"`
	Score       *int              `json:"score,omitempty"`
	PrereqLevel int               `json:"prereq_level,omitempty"`
	Reason      string            `json:"reason,omitempty"`
}
