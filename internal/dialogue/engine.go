package dialogue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mwhited/outcall/internal/llm"
)

// Message is one turn of the conversation history.
type Message struct {
	Role    string
	Content string
}

// Call outcomes the model can set via the set_call_outcome tool.
const (
	OutcomeTransfer        = "transfer_to_agent"
	OutcomeDisqualified    = "disqualified"
	OutcomeUserDeclined    = "user_declined"
	OutcomeRequestedHangup = "user_requested_hangup"
)

// fallbackReply is returned on any LLM or network failure. The call
// continues.
const fallbackReply = "I apologize, could you repeat that for me?"

const (
	llmTemperature = 0.3
	llmMaxTokens   = 150
)

// TurnResult is the outcome of one dialogue turn.
type TurnResult struct {
	Reply          string
	Stage          string
	Hangup         bool
	Transfer       bool
	Qualifications Qualifications
	Usage          llm.Usage
}

// Engine drives the qualification dialogue for one call. Methods are safe
// for serialised use from the media pipeline; a mutex guards the state in
// case finalisation reads history concurrently.
type Engine struct {
	provider llm.Provider
	log      *slog.Logger

	mu           sync.Mutex
	lead         Lead
	history      []Message
	quals        Qualifications
	greetingSent bool
	partTwoSent  bool
	llmCalls     int
}

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New builds an Engine for a lead. The system prompt is composed from the
// lead's name and address.
func New(provider llm.Provider, lead Lead, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		log:      slog.Default(),
		lead:     lead,
	}
	for _, o := range opts {
		o(e)
	}
	e.history = append(e.history, Message{Role: "system", Content: systemPrompt(lead)})
	return e
}

func systemPrompt(lead Lead) string {
	return fmt.Sprintf(`You are Sarah, a friendly phone representative screening people for final expense insurance programs.

You are speaking with %s at %s. Keep replies short and conversational, one or two sentences, suitable for being read aloud. Ask exactly one question at a time, in this order: verify their identity, ask about general health issues, Alzheimer's or dementia, hospice or nursing-home care, their age, and whether they have a bank account. When they qualify on every point, confirm they are happy to be connected to a specialist.

Whenever the person answers a screening question, call the update_qualification tool with the corresponding field. When the call should end or be transferred, call the set_call_outcome tool. Never mention tools, insurance underwriting, or that you are an AI.`,
		lead.Name(), lead.Address)
}

// GreetingText returns the deterministic opening line and records it as an
// assistant turn. Idempotent.
func (e *Engine) GreetingText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	name := e.lead.FirstName
	if name == "" {
		name = "there"
	}
	text := fmt.Sprintf("Hi %s! This is Sarah. How are you doing today?", name)
	if !e.greetingSent {
		e.history = append(e.history, Message{Role: "assistant", Content: text})
		e.greetingSent = true
	}
	return text
}

// GreetingPartTwoText returns the purpose statement plus the verification
// question and records it as an assistant turn. Idempotent.
func (e *Engine) GreetingPartTwoText() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := "I'm calling about the state-regulated final expense programs in your area. It'll just take a minute. " +
		questionText(QuestionVerification, e.lead)
	if !e.partTwoSent {
		e.history = append(e.history, Message{Role: "assistant", Content: text})
		e.partTwoSent = true
	}
	return text
}

// Qualifications returns a copy of the current qualification map.
func (e *Engine) Qualifications() Qualifications {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quals
}

// Stage returns the current dialogue stage.
func (e *Engine) Stage() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return StageOf(e.quals, e.greetingSent)
}

// History returns a copy of the conversation history, system turn excluded.
// The recorder uses it to recover AI messages lost by the transcript path.
func (e *Engine) History() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, 0, len(e.history))
	for _, m := range e.history {
		if m.Role != "system" {
			out = append(out, m)
		}
	}
	return out
}

// LLMCalls returns how many completions were attempted so far.
func (e *Engine) LLMCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.llmCalls
}

// toolUpdateQualification and toolSetCallOutcome are the only two tools
// offered to the model.
var engineTools = []llm.ToolDef{
	{
		Name:        "update_qualification",
		Description: "Record the answer to a screening question. Set only the fields the person just answered.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"verified_info":    map[string]any{"type": "boolean", "description": "The person confirmed their name and address."},
				"no_alzheimers":    map[string]any{"type": "boolean", "description": "True if they have never been diagnosed with Alzheimer's or dementia."},
				"no_hospice":       map[string]any{"type": "boolean", "description": "True if they are not in hospice care or a nursing home."},
				"age_qualified":    map[string]any{"type": "boolean", "description": "True if their age is within the qualifying band."},
				"has_bank_account": map[string]any{"type": "boolean", "description": "True if they have an active checking or savings account."},
			},
		},
	},
	{
		Name:        "set_call_outcome",
		Description: "End or transfer the call.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"outcome": map[string]any{
					"type": "string",
					"enum": []string{OutcomeTransfer, OutcomeDisqualified, OutcomeUserDeclined, OutcomeRequestedHangup},
				},
				"reason": map[string]any{"type": "string"},
			},
			"required": []string{"outcome"},
		},
	},
}

type qualificationArgs struct {
	VerifiedInfo   *bool `json:"verified_info"`
	NoAlzheimers   *bool `json:"no_alzheimers"`
	NoHospice      *bool `json:"no_hospice"`
	AgeQualified   *bool `json:"age_qualified"`
	HasBankAccount *bool `json:"has_bank_account"`
}

type outcomeArgs struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

// NextTurn processes one final user transcript and produces the next reply
// plus transition flags.
func (e *Engine) NextTurn(ctx context.Context, transcript string) TurnResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, Message{Role: "user", Content: transcript})

	lastQuestion := classifyQuestion(lastAssistantTurnBefore(e.history, len(e.history)-1))
	forced := e.shouldForceTool(lastQuestion, transcript)

	req := llm.Request{
		Messages:    toLLMMessages(e.history),
		Tools:       engineTools,
		Temperature: llmTemperature,
		MaxTokens:   llmMaxTokens,
		ToolChoice:  llm.ToolChoiceAuto,
	}
	if forced {
		req.ToolChoice = llm.ToolChoiceRequired
	}

	e.llmCalls++
	resp, err := e.provider.Complete(ctx, req)
	if err != nil {
		e.log.Warn("llm turn failed", "error", err)
		e.history = append(e.history, Message{Role: "assistant", Content: fallbackReply})
		return TurnResult{
			Reply:          fallbackReply,
			Stage:          StageOf(e.quals, e.greetingSent),
			Qualifications: e.quals,
		}
	}

	res := TurnResult{Reply: resp.Content, Usage: resp.Usage}
	toolCalled := false

	for _, tc := range resp.ToolCalls {
		switch tc.Name {
		case "update_qualification":
			var args qualificationArgs
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				e.log.Warn("bad update_qualification args", "error", err)
				continue
			}
			e.mergeQualifications(args)
			toolCalled = true

		case "set_call_outcome":
			var args outcomeArgs
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				e.log.Warn("bad set_call_outcome args", "error", err)
				continue
			}
			toolCalled = true
			if args.Outcome == OutcomeTransfer {
				if e.quals.AllYes() {
					res.Transfer = true
				} else {
					// The model jumped ahead. Keep asking.
					res.Reply = e.nextLadderReply()
				}
			} else {
				res.Hangup = true
			}
		}
	}

	// Forced choice but no tool call: infer the answer from the transcript
	// and regenerate the reply deterministically.
	if forced && !toolCalled {
		e.manualInference(lastQuestion, transcript, &res)
	}

	// Pure tool call with no text: synthesise the reply.
	if res.Reply == "" {
		res.Reply = e.templateReply(res)
	}

	e.autoTransitions(lastQuestion, transcript, &res)

	res.Reply = sanitizeReply(res.Reply)
	if res.Reply == "" {
		res.Reply = e.templateReply(res)
	}

	e.history = append(e.history, Message{Role: "assistant", Content: res.Reply})
	res.Stage = StageOf(e.quals, e.greetingSent)
	res.Qualifications = e.quals
	return res
}

// shouldForceTool decides the tool_choice for a turn. Forced only when the
// last assistant turn asked a qualification question and the transcript
// looks like an answer, or on an explicit hangup request. Never forced for
// the health-discovery question.
func (e *Engine) shouldForceTool(lastQuestion Question, transcript string) bool {
	if isHangupRequest(transcript) {
		return true
	}
	if lastQuestion == QuestionNone || !isQualificationQuestion(lastQuestion) {
		return false
	}
	return looksLikeAnswer(lastQuestion, transcript)
}

func (e *Engine) mergeQualifications(args qualificationArgs) {
	if args.VerifiedInfo != nil {
		e.quals.VerifiedInfo.set(*args.VerifiedInfo)
	}
	if args.NoAlzheimers != nil {
		e.quals.NoAlzheimers.set(*args.NoAlzheimers)
	}
	if args.NoHospice != nil {
		e.quals.NoHospice.set(*args.NoHospice)
	}
	if args.AgeQualified != nil {
		e.quals.AgeQualified.set(*args.AgeQualified)
	}
	if args.HasBankAccount != nil {
		e.quals.HasBankAccount.set(*args.HasBankAccount)
	}
}

// manualInference is the step-5 fallback: derive the qualification from the
// transcript directly and template the reply.
func (e *Engine) manualInference(lastQuestion Question, transcript string, res *TurnResult) {
	if isHangupRequest(transcript) {
		res.Hangup = true
		res.Reply = goodbyeText(e.lead)
		return
	}
	if lastQuestion == QuestionTransferConfirm {
		switch {
		case isYes(transcript):
			if e.quals.AllYes() {
				res.Transfer = true
				res.Reply = transferText
			}
		case isNo(transcript):
			res.Hangup = true
			res.Reply = goodbyeText(e.lead)
		}
		return
	}
	if inferAnswer(lastQuestion, transcript, &e.quals) {
		res.Reply = e.nextLadderReply()
	}
}

// templateReply produces a deterministic reply when the model returned no
// text.
func (e *Engine) templateReply(res TurnResult) string {
	switch {
	case res.Transfer:
		return transferText
	case res.Hangup:
		return goodbyeText(e.lead)
	default:
		return e.nextLadderReply()
	}
}

// nextLadderReply returns the next unasked question, or the goodbye when
// the lead is disqualified, or the transfer confirmation when the ladder is
// exhausted.
func (e *Engine) nextLadderReply() string {
	if e.quals.AnyNo() {
		return goodbyeText(e.lead)
	}
	q := nextQuestion(e.quals, assistantTurns(e.history))
	if q == QuestionNone {
		return questionText(QuestionTransferConfirm, e.lead)
	}
	return questionText(q, e.lead)
}

// autoTransitions applies the step-7 safety net over the model's output.
func (e *Engine) autoTransitions(lastQuestion Question, transcript string, res *TurnResult) {
	// A failed qualification always ends the call.
	if e.quals.AnyNo() {
		res.Hangup = true
		res.Transfer = false
		if !saysGoodbye(res.Reply) {
			res.Reply = goodbyeText(e.lead)
		}
		return
	}

	// Confirmation answered after the "sound good?" question.
	if e.quals.AllYes() && lastQuestion == QuestionTransferConfirm && !res.Transfer && !res.Hangup {
		switch {
		case isYes(transcript):
			res.Transfer = true
			res.Reply = transferText
		case isNo(transcript):
			res.Hangup = true
			res.Reply = goodbyeText(e.lead)
		}
	}

	// The reply closes the call but no outcome was set.
	if saysGoodbye(res.Reply) && !res.Transfer {
		res.Hangup = true
	}

	// The reply announces a transfer but no outcome was set.
	if saysTransfer(res.Reply) && !res.Transfer {
		if e.quals.AllYes() {
			res.Transfer = true
		} else {
			res.Reply = deferText
			res.Hangup = true
		}
	}
}

// lastAssistantTurnBefore returns the last assistant text strictly before
// index end.
func lastAssistantTurnBefore(history []Message, end int) string {
	for i := end - 1; i >= 0; i-- {
		if history[i].Role == "assistant" && history[i].Content != "" {
			return history[i].Content
		}
	}
	return ""
}

func toLLMMessages(history []Message) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
