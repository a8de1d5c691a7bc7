package dialogue

import (
	"regexp"
	"strconv"
	"strings"
)

// Age band accepted by the qualification. Final eligibility is the carrier
// product's concern; this only gates the phone screen.
const (
	minQualifyingAge = 45
	maxQualifyingAge = 85
)

var (
	yesRe = regexp.MustCompile(`(?i)^\W*(yes|yeah|yep|yup|sure|correct|right|absolutely|of course|that's (right|correct|me)|i do|i have|i am|uh[- ]?huh|ok(ay)?|sounds good)\b`)
	noRe  = regexp.MustCompile(`(?i)^\W*(no|nope|nah|never|i do not|i don't|i haven't|not really|negative|huh[- ]?uh)\b`)

	hangupRe = regexp.MustCompile(`(?i)(hang up|take me off|remove me|stop calling|don'?t call|not interested|leave me alone|do not call)`)

	atHomeRe = regexp.MustCompile(`(?i)\b(at home|my (own )?house|live at home|independent)\b`)
	bankRe   = regexp.MustCompile(`(?i)\b(checking|savings|bank|credit union|direct deposit)\b`)
	ageNumRe = regexp.MustCompile(`\b(\d{2,3})\b`)

	ageWords = map[string]int{
		"forty": 40, "fifty": 50, "sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
	}
)

// isYes and isNo classify a short transcript as an affirmative or negative.
func isYes(text string) bool { return yesRe.MatchString(strings.TrimSpace(text)) }
func isNo(text string) bool  { return noRe.MatchString(strings.TrimSpace(text)) }

// isHangupRequest detects an explicit request to end the call.
func isHangupRequest(text string) bool { return hangupRe.MatchString(text) }

// parseAge extracts a plausible age from a transcript. Returns (0, false)
// when no age is present.
func parseAge(text string) (int, bool) {
	if m := ageNumRe.FindStringSubmatch(text); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 18 && n <= 120 {
			return n, true
		}
	}
	lower := strings.ToLower(text)
	for word, base := range ageWords {
		if strings.Contains(lower, word) {
			return base, true
		}
	}
	return 0, false
}

// looksLikeAnswer reports whether a transcript plausibly answers the given
// ladder question. Used to decide whether to force the tool choice.
func looksLikeAnswer(q Question, text string) bool {
	if isYes(text) || isNo(text) {
		return true
	}
	switch q {
	case QuestionAge:
		_, ok := parseAge(text)
		return ok
	case QuestionBankAccount:
		return bankRe.MatchString(text)
	case QuestionHospice:
		return atHomeRe.MatchString(text)
	default:
		return false
	}
}

// inferAnswer applies the manual-inference fallback: given the last asked
// question and the user's transcript, set the matching qualification key
// directly. Returns false if nothing could be inferred.
//
// The transfer-confirmation rung has no key; its yes/no is resolved by the
// caller.
func inferAnswer(q Question, text string, quals *Qualifications) bool {
	switch q {
	case QuestionVerification:
		switch {
		case isYes(text):
			quals.VerifiedInfo.set(true)
		case isNo(text):
			quals.VerifiedInfo.set(false)
		default:
			return false
		}
		return true

	case QuestionAlzheimers:
		// "Yes" to a diagnosis means the no_alzheimers key is false.
		switch {
		case isYes(text):
			quals.NoAlzheimers.set(false)
		case isNo(text):
			quals.NoAlzheimers.set(true)
		default:
			return false
		}
		return true

	case QuestionHospice:
		switch {
		case atHomeRe.MatchString(text):
			quals.NoHospice.set(true)
		case isYes(text):
			quals.NoHospice.set(false)
		case isNo(text):
			quals.NoHospice.set(true)
		default:
			return false
		}
		return true

	case QuestionAge:
		if age, ok := parseAge(text); ok {
			quals.AgeQualified.set(age >= minQualifyingAge && age <= maxQualifyingAge)
			return true
		}
		// A bare yes to "may I ask how old you are" carries no age.
		if isNo(text) {
			quals.AgeQualified.set(false)
			return true
		}
		return false

	case QuestionBankAccount:
		switch {
		case isYes(text) || bankRe.MatchString(text):
			quals.HasBankAccount.set(true)
		case isNo(text):
			quals.HasBankAccount.set(false)
		default:
			return false
		}
		return true

	default:
		return false
	}
}
