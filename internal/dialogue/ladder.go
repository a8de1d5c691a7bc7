package dialogue

import (
	"fmt"
	"regexp"
	"strings"
)

// Question identifies one rung of the fixed question ladder.
type Question int

const (
	QuestionNone Question = iota
	QuestionVerification
	QuestionHealthIssue
	QuestionAlzheimers
	QuestionHospice
	QuestionAge
	QuestionBankAccount
	QuestionTransferConfirm
)

// ladderOrder is the fixed order questions are asked in. The health-issue
// discovery question is conversational filler, not a qualification.
var ladderOrder = []Question{
	QuestionVerification,
	QuestionHealthIssue,
	QuestionAlzheimers,
	QuestionHospice,
	QuestionAge,
	QuestionBankAccount,
	QuestionTransferConfirm,
}

// questionSignatures detect whether a question was already asked, by regex
// match over assistant turns in the history.
var questionSignatures = map[Question]*regexp.Regexp{
	QuestionVerification:    regexp.MustCompile(`(?i)(speaking with|verify|confirm).*(name|address)|is this .* at`),
	QuestionHealthIssue:     regexp.MustCompile(`(?i)health (issues|problems|conditions)`),
	QuestionAlzheimers:      regexp.MustCompile(`(?i)alzheimer|dementia`),
	QuestionHospice:         regexp.MustCompile(`(?i)hospice|nursing home`),
	QuestionAge:             regexp.MustCompile(`(?i)how old|your age`),
	QuestionBankAccount:     regexp.MustCompile(`(?i)(checking|savings|bank) account`),
	QuestionTransferConfirm: regexp.MustCompile(`(?i)sound good|connect you (with|to)`),
}

// questionText returns the deterministic wording for a rung, personalised
// for the lead.
func questionText(q Question, lead Lead) string {
	switch q {
	case QuestionVerification:
		if lead.Address != "" {
			return fmt.Sprintf("Before we get started, I just want to make sure I have the right person. Am I speaking with %s at %s?", lead.Name(), lead.Address)
		}
		return fmt.Sprintf("Before we get started, I just want to make sure I have the right person. Am I speaking with %s?", lead.Name())
	case QuestionHealthIssue:
		return "Thank you. Now, do you have any major health issues I should know about?"
	case QuestionAlzheimers:
		return "Okay. Have you ever been diagnosed with Alzheimer's or dementia?"
	case QuestionHospice:
		return "And are you currently in hospice care or a nursing home?"
	case QuestionAge:
		return "Got it. And may I ask how old you are?"
	case QuestionBankAccount:
		return "Perfect. Do you have an active checking or savings account with a bank?"
	case QuestionTransferConfirm:
		return "Great news, you qualify! I'm going to connect you with a licensed specialist who can go over your options. Sound good?"
	default:
		return ""
	}
}

// asked reports whether the question already appears in the assistant turns.
func asked(q Question, assistantTurns []string) bool {
	re, ok := questionSignatures[q]
	if !ok {
		return false
	}
	for _, turn := range assistantTurns {
		if re.MatchString(turn) {
			return true
		}
	}
	return false
}

// nextQuestion returns the first ladder rung not yet asked, skipping rungs
// whose qualification is already known. Returns QuestionNone when the
// ladder is exhausted.
func nextQuestion(quals Qualifications, assistantTurns []string) Question {
	for _, q := range ladderOrder {
		if answered(q, quals) {
			continue
		}
		if asked(q, assistantTurns) {
			continue
		}
		return q
	}
	return QuestionNone
}

// answered reports whether the rung's qualification key is already set.
// Health discovery and the transfer confirmation have no key.
func answered(q Question, quals Qualifications) bool {
	switch q {
	case QuestionVerification:
		return quals.VerifiedInfo != Unset
	case QuestionAlzheimers:
		return quals.NoAlzheimers != Unset
	case QuestionHospice:
		return quals.NoHospice != Unset
	case QuestionAge:
		return quals.AgeQualified != Unset
	case QuestionBankAccount:
		return quals.HasBankAccount != Unset
	default:
		return false
	}
}

// classifyQuestion identifies which ladder rung an assistant turn asked, or
// QuestionNone if it is not a ladder question.
func classifyQuestion(text string) Question {
	// Transfer confirmation first: its wording can also mention qualifying.
	if questionSignatures[QuestionTransferConfirm].MatchString(text) {
		return QuestionTransferConfirm
	}
	for _, q := range ladderOrder {
		if q == QuestionTransferConfirm {
			continue
		}
		if questionSignatures[q].MatchString(text) {
			return q
		}
	}
	return QuestionNone
}

// isQualificationQuestion reports whether the rung feeds the qualification
// map or the transfer decision. Health discovery does not.
func isQualificationQuestion(q Question) bool {
	switch q {
	case QuestionVerification, QuestionAlzheimers, QuestionHospice,
		QuestionAge, QuestionBankAccount, QuestionTransferConfirm:
		return true
	default:
		return false
	}
}

// goodbyeText is the polite close used when a lead does not qualify or
// declines.
func goodbyeText(lead Lead) string {
	name := lead.FirstName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("I understand, %s. Thank you so much for your time today. Have a wonderful day. Goodbye!", name)
}

// transferText announces the hand-off to a human agent.
const transferText = "Wonderful! Please hold on just a moment while I connect you with a specialist. Transferring you now."

// deferText replaces a premature transfer announcement from the model.
const deferText = "Thank you for your time today. A specialist will follow up with you soon. Have a great day. Goodbye!"

var goodbyeWords = regexp.MustCompile(`(?i)\b(goodbye|bye[- ]?bye|have a (great|good|wonderful|nice) day|take care)\b`)

// saysGoodbye reports whether a reply reads as a call close.
func saysGoodbye(text string) bool {
	return goodbyeWords.MatchString(text)
}

var transferWords = regexp.MustCompile(`(?i)(transferring you|connect(ing)? you (now|with|to)|hold (on|the line) while i (connect|transfer))`)

// saysTransfer reports whether a reply announces a transfer.
func saysTransfer(text string) bool {
	return transferWords.MatchString(text)
}

// assistantTurns extracts the assistant-side texts from a history.
func assistantTurns(history []Message) []string {
	var out []string
	for _, m := range history {
		if m.Role == "assistant" && strings.TrimSpace(m.Content) != "" {
			out = append(out, m.Content)
		}
	}
	return out
}
