package dialogue

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mwhited/outcall/internal/llm"
)

// scriptedProvider returns queued responses in order and records every
// request it saw. When the queue is empty it returns an empty completion.
type scriptedProvider struct {
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (p *scriptedProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &llm.Response{}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func qualCall(args string) llm.ToolCall {
	return llm.ToolCall{ID: "t1", Name: "update_qualification", Arguments: args}
}

func outcomeCall(outcome string) llm.ToolCall {
	return llm.ToolCall{ID: "t2", Name: "set_call_outcome", Arguments: `{"outcome":"` + outcome + `"}`}
}

var testLead = Lead{ID: 7, FirstName: "Terry", LastName: "Hodges", Phone: "+15307748286", Address: "12 Oak Lane, Redding CA"}

func TestGreetingIdempotent(t *testing.T) {
	e := New(&scriptedProvider{}, testLead)

	g1 := e.GreetingText()
	g2 := e.GreetingText()
	if g1 != g2 {
		t.Errorf("greeting changed between calls: %q vs %q", g1, g2)
	}
	if !strings.Contains(g1, "Terry") {
		t.Errorf("greeting should use the first name: %q", g1)
	}
	e.GreetingPartTwoText()
	e.GreetingPartTwoText()

	if n := len(e.History()); n != 2 {
		t.Errorf("greeting turns recorded once each: want 2, got %d", n)
	}
}

func TestHappyQualifiedTransfer(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"verified_info":true}`)}},
		{Content: "Okay. Have you ever been diagnosed with Alzheimer's or dementia?"},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_alzheimers":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_hospice":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"age_qualified":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"has_bank_account":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{outcomeCall(OutcomeTransfer)}},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.GreetingText()
	e.GreetingPartTwoText()

	// Verification answer: tool choice must be forced.
	res := e.NextTurn(ctx, "Yes that's right")
	if res.Transfer || res.Hangup {
		t.Fatalf("premature transition after verification: %+v", res)
	}
	if p.requests[0].ToolChoice != llm.ToolChoiceRequired {
		t.Errorf("verification answer should force the tool choice, got %q", p.requests[0].ToolChoice)
	}
	if res.Stage != StageQualifying {
		t.Errorf("stage after verification: want %s, got %s", StageQualifying, res.Stage)
	}

	// Health-discovery answer: never forced.
	e.NextTurn(ctx, "No, I'm pretty healthy")
	if p.requests[1].ToolChoice == llm.ToolChoiceRequired {
		t.Error("health-discovery answer must not force the tool choice")
	}

	e.NextTurn(ctx, "No")        // Alzheimer's
	e.NextTurn(ctx, "No, at home") // hospice
	e.NextTurn(ctx, "I'm 62")    // age
	res = e.NextTurn(ctx, "Yes I do") // bank account
	if !e.Qualifications().AllYes() {
		t.Fatalf("all qualifications should be yes: %+v", e.Qualifications())
	}
	if res.Stage != StageQualified {
		t.Errorf("stage: want %s, got %s", StageQualified, res.Stage)
	}
	if !strings.Contains(strings.ToLower(res.Reply), "sound good") {
		t.Errorf("ladder should end with the transfer confirmation: %q", res.Reply)
	}

	res = e.NextTurn(ctx, "Yes")
	if !res.Transfer {
		t.Fatalf("confirmed qualified lead should transfer: %+v", res)
	}
	if res.Hangup {
		t.Error("transfer and hangup are mutually exclusive")
	}
}

func TestDisqualifiedOnAlzheimers(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"verified_info":true}`)}},
		{Content: "Okay. Have you ever been diagnosed with Alzheimer's or dementia?"},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_alzheimers":false}`)}},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.GreetingText()
	e.GreetingPartTwoText()
	e.NextTurn(ctx, "Yes that's me")
	e.NextTurn(ctx, "Just my knees")
	res := e.NextTurn(ctx, "Yes, I was diagnosed last year")

	if !res.Hangup {
		t.Fatal("failed qualification must hang up")
	}
	if res.Transfer {
		t.Error("disqualified lead must not transfer")
	}
	if res.Stage != StageDisqualified {
		t.Errorf("stage: want %s, got %s", StageDisqualified, res.Stage)
	}
	if !saysGoodbye(res.Reply) {
		t.Errorf("reply should be a polite goodbye: %q", res.Reply)
	}
}

func TestManualInferenceFallback(t *testing.T) {
	// Forced choice, but the model answers with plain text and no tool call.
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "Great, thanks for confirming!"},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.GreetingText()
	e.GreetingPartTwoText()
	res := e.NextTurn(ctx, "Yes, that's correct")

	if got, _ := e.Qualifications().VerifiedInfo.Bool(); !got {
		t.Fatalf("manual inference should set verified_info: %+v", e.Qualifications())
	}
	// Reply is regenerated from the ladder, not the model's free text.
	if !strings.Contains(strings.ToLower(res.Reply), "health") {
		t.Errorf("fallback reply should ask the next ladder question: %q", res.Reply)
	}
}

func TestHangupRequestForcesOutcome(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{outcomeCall(OutcomeRequestedHangup)}},
	}}
	e := New(p, testLead)

	res := e.NextTurn(context.Background(), "Take me off your list and hang up")
	if p.requests[0].ToolChoice != llm.ToolChoiceRequired {
		t.Error("explicit hangup request should force the tool choice")
	}
	if !res.Hangup {
		t.Fatal("requested hangup must end the call")
	}
}

func TestPrematureTransferDropped(t *testing.T) {
	// Model calls transfer_to_agent before all qualifications are set.
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"verified_info":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{outcomeCall(OutcomeTransfer)}},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.GreetingText()
	e.GreetingPartTwoText()
	e.NextTurn(ctx, "Yes")
	res := e.NextTurn(ctx, "Sure, transfer me")

	if res.Transfer {
		t.Fatal("transfer with unset qualifications must be dropped")
	}
	if res.Reply == "" {
		t.Error("dropped transfer should still produce a reply")
	}
}

func TestTransferAnnouncementWithoutQualificationsDeferred(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "Hold on while I connect you with a specialist, transferring you now."},
	}}
	e := New(p, testLead)

	res := e.NextTurn(context.Background(), "okay")
	if res.Transfer {
		t.Fatal("unqualified transfer announcement must not transfer")
	}
	if !res.Hangup {
		t.Error("premature transfer announcement resolves to a polite hangup")
	}
	if saysTransfer(res.Reply) {
		t.Errorf("reply should be overridden: %q", res.Reply)
	}
}

func TestLLMErrorFallback(t *testing.T) {
	p := &scriptedProvider{err: errors.New("boom")}
	e := New(p, testLead)

	res := e.NextTurn(context.Background(), "hello?")
	if res.Reply != fallbackReply {
		t.Errorf("reply: want %q, got %q", fallbackReply, res.Reply)
	}
	if res.Hangup || res.Transfer {
		t.Error("LLM failure must not end the call")
	}
}

func TestQualificationsMonotonic(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_alzheimers":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_alzheimers":false}`)}},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.NextTurn(ctx, "No, never")
	e.NextTurn(ctx, "Actually yes")

	if e.Qualifications().NoAlzheimers != Yes {
		t.Error("a set qualification key must never flip")
	}
}

func TestEachQuestionAskedOnce(t *testing.T) {
	// The model returns pure tool calls, so every reply comes from the
	// ladder. No question may repeat.
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"verified_info":true}`)}},
		{Content: ""},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_alzheimers":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"no_hospice":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"age_qualified":true}`)}},
		{Content: "", ToolCalls: []llm.ToolCall{qualCall(`{"has_bank_account":true}`)}},
	}}
	e := New(p, testLead)
	ctx := context.Background()

	e.GreetingText()
	e.GreetingPartTwoText()
	for _, answer := range []string{"Yes", "no issues", "No", "No", "62", "Yes"} {
		e.NextTurn(ctx, answer)
	}

	counts := map[Question]int{}
	for _, turn := range assistantTurns(e.History()) {
		if q := classifyQuestion(turn); q != QuestionNone {
			counts[q]++
		}
	}
	for q, n := range counts {
		if n > 1 {
			t.Errorf("question %d asked %d times", q, n)
		}
	}
}

func TestStageOf(t *testing.T) {
	cases := []struct {
		name     string
		quals    Qualifications
		greeting bool
		want     string
	}{
		{"initial", Qualifications{}, false, StageGreeting},
		{"greeted", Qualifications{}, true, StageVerification},
		{"verified", Qualifications{VerifiedInfo: Yes}, true, StageQualifying},
		{"verification failed", Qualifications{VerifiedInfo: No}, true, StageVerificationFailed},
		{"disqualified", Qualifications{VerifiedInfo: Yes, NoHospice: No}, true, StageDisqualified},
		{
			"qualified",
			Qualifications{VerifiedInfo: Yes, NoAlzheimers: Yes, NoHospice: Yes, AgeQualified: Yes, HasBankAccount: Yes},
			true, StageQualified,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StageOf(tc.quals, tc.greeting); got != tc.want {
				t.Errorf("want %s, got %s", tc.want, got)
			}
		})
	}
}
