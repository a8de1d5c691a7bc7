package dialogue

import "testing"

func TestParseAge(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"I'm 62", 62, true},
		{"62", 62, true},
		{"I am seventy years old", 70, true},
		{"I was born in June", 0, false},
		{"yes", 0, false},
		{"I'm 150 years old", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseAge(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseAge(%q): want (%d,%v), got (%d,%v)", tc.in, tc.want, tc.ok, got, ok)
		}
	}
}

func TestInferAnswer_Hospice(t *testing.T) {
	cases := []struct {
		in   string
		want Tri
	}{
		{"No, I live at home", Yes},
		{"I'm at home with my daughter", Yes},
		{"No", Yes},
		{"Yes, I'm in a nursing home", No},
	}
	for _, tc := range cases {
		var q Qualifications
		if !inferAnswer(QuestionHospice, tc.in, &q) {
			t.Errorf("inferAnswer(hospice, %q): no inference", tc.in)
			continue
		}
		if q.NoHospice != tc.want {
			t.Errorf("inferAnswer(hospice, %q): want %v, got %v", tc.in, tc.want, q.NoHospice)
		}
	}
}

func TestInferAnswer_AgeBand(t *testing.T) {
	var q Qualifications
	if !inferAnswer(QuestionAge, "I'm 62", &q) {
		t.Fatal("age not inferred")
	}
	if q.AgeQualified != Yes {
		t.Errorf("62 should qualify: %v", q.AgeQualified)
	}

	q = Qualifications{}
	if !inferAnswer(QuestionAge, "I'm 95", &q) {
		t.Fatal("age not inferred")
	}
	if q.AgeQualified != No {
		t.Errorf("95 should not qualify: %v", q.AgeQualified)
	}
}

func TestInferAnswer_AlzheimersPolarity(t *testing.T) {
	var q Qualifications
	inferAnswer(QuestionAlzheimers, "Yes, I was diagnosed", &q)
	if q.NoAlzheimers != No {
		t.Errorf("yes to a diagnosis means no_alzheimers=false: %v", q.NoAlzheimers)
	}
	q = Qualifications{}
	inferAnswer(QuestionAlzheimers, "No, never", &q)
	if q.NoAlzheimers != Yes {
		t.Errorf("no to a diagnosis means no_alzheimers=true: %v", q.NoAlzheimers)
	}
}

func TestLooksLikeAnswer(t *testing.T) {
	cases := []struct {
		q    Question
		in   string
		want bool
	}{
		{QuestionVerification, "Yes that's right", true},
		{QuestionVerification, "Who is this?", false},
		{QuestionAge, "62", true},
		{QuestionAge, "why do you ask", false},
		{QuestionBankAccount, "I bank with a credit union", true},
		{QuestionHospice, "I'm at home", true},
	}
	for _, tc := range cases {
		if got := looksLikeAnswer(tc.q, tc.in); got != tc.want {
			t.Errorf("looksLikeAnswer(%d, %q): want %v, got %v", tc.q, tc.in, tc.want, got)
		}
	}
}

func TestIsHangupRequest(t *testing.T) {
	for _, in := range []string{"Please hang up", "take me off your list", "stop calling me"} {
		if !isHangupRequest(in) {
			t.Errorf("isHangupRequest(%q) = false", in)
		}
	}
	if isHangupRequest("yes I'm interested") {
		t.Error("plain answer flagged as hangup request")
	}
}

func TestSanitizeReply(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Great! update_qualification({\"verified_info\":true}) Thanks.", "Great! Thanks."},
		{"Okay *transitioning to next question* how old are you?", "Okay how old are you?"},
		{`Sure {"outcome":"disqualified"} goodbye`, "Sure goodbye"},
		{"Plain  reply   here", "Plain reply here"},
	}
	for _, tc := range cases {
		if got := sanitizeReply(tc.in); got != tc.want {
			t.Errorf("sanitizeReply(%q): want %q, got %q", tc.in, tc.want, got)
		}
	}
}
