// Package dialogue implements the per-call qualification state machine: a
// fixed ladder of questions driven by an LLM with forced tool-call
// extraction, plus deterministic fallbacks when the model does not comply.
package dialogue

// Tri is a three-valued answer state for one qualification key.
type Tri int

const (
	Unset Tri = iota
	Yes
	No
)

// set applies an extracted boolean to a key. Once a key leaves Unset it
// never flips; later contradictory extractions are dropped.
func (t *Tri) set(v bool) {
	if *t != Unset {
		return
	}
	if v {
		*t = Yes
	} else {
		*t = No
	}
}

// Bool reports the key as (value, known).
func (t Tri) Bool() (bool, bool) {
	switch t {
	case Yes:
		return true, true
	case No:
		return false, true
	default:
		return false, false
	}
}

// Qualifications is the per-call qualification map. All five keys must be
// Yes before a transfer is allowed.
type Qualifications struct {
	VerifiedInfo   Tri
	NoAlzheimers   Tri
	NoHospice      Tri
	AgeQualified   Tri
	HasBankAccount Tri
}

// AllYes reports whether every key is Yes.
func (q Qualifications) AllYes() bool {
	return q.VerifiedInfo == Yes && q.NoAlzheimers == Yes && q.NoHospice == Yes &&
		q.AgeQualified == Yes && q.HasBankAccount == Yes
}

// AnyNo reports whether any key is No.
func (q Qualifications) AnyNo() bool {
	return q.VerifiedInfo == No || q.NoAlzheimers == No || q.NoHospice == No ||
		q.AgeQualified == No || q.HasBankAccount == No
}

// Stage labels derived from the qualification map.
const (
	StageGreeting           = "greeting"
	StageVerification       = "verification"
	StageVerificationFailed = "verification_failed"
	StageQualifying         = "qualifying"
	StageDisqualified       = "disqualified"
	StageQualified          = "qualified"
	StageError              = "error"
)

// StageOf computes the dialogue stage. It is a pure function of the
// qualification map and the greeting flag.
func StageOf(q Qualifications, greetingSent bool) string {
	switch {
	case q.VerifiedInfo == No:
		return StageVerificationFailed
	case q.AnyNo():
		return StageDisqualified
	case q.AllYes():
		return StageQualified
	case q.VerifiedInfo == Yes:
		return StageQualifying
	case greetingSent:
		return StageVerification
	default:
		return StageGreeting
	}
}

// Lead is the snapshot of the dialled person the engine personalises
// prompts with.
type Lead struct {
	ID        int64
	FirstName string
	LastName  string
	Phone     string
	Address   string
}

// Name returns the lead's display name.
func (l Lead) Name() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	default:
		return l.FirstName + " " + l.LastName
	}
}
