package didpool

import (
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestAreaCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		phone string
		want  string
	}{
		{"+15307748286", "530"},
		{"15307748286", "530"},
		{"5307748286", "530"},
		{"(530) 774-8286", "530"},
		{"+1 659 238 9182", "659"},
		{"12345", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := AreaCode(tc.phone); got != tc.want {
			t.Errorf("AreaCode(%q): want %q, got %q", tc.phone, tc.want, got)
		}
	}
}

func TestSelect_AreaCodeMatch(t *testing.T) {
	t.Parallel()

	p := New([]string{"+15305550001", "+12125550002", "+14155550003"})
	sel, err := p.Select("+15307748286")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.DID.Number != "+15305550001" {
		t.Errorf("want area-code match +15305550001, got %s", sel.DID.Number)
	}
	if sel.Match != "area_code:530" {
		t.Errorf("want match area_code:530, got %s", sel.Match)
	}
}

func TestSelect_StateFallback(t *testing.T) {
	t.Parallel()

	// 415 is CA; recipient 530 is also CA but no DID shares 530.
	p := New([]string{"+14155550003", "+12125550002"})
	sel, err := p.Select("+15307748286")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if sel.DID.Number != "+14155550003" {
		t.Errorf("want state match +14155550003, got %s", sel.DID.Number)
	}
	if sel.Match != "state:CA" {
		t.Errorf("want match state:CA, got %s", sel.Match)
	}
}

func TestSelect_RoundRobin(t *testing.T) {
	t.Parallel()

	p := New([]string{"+12125550001", "+12125550002"})
	// Recipient in Alaska; no 907 DIDs and no AK DIDs → round-robin.
	var got []string
	for i := 0; i < 4; i++ {
		sel, err := p.Select("+19075551234")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if sel.Match != "round_robin" {
			t.Fatalf("want round_robin, got %s", sel.Match)
		}
		got = append(got, sel.DID.Number)
	}
	want := "+12125550001,+12125550002,+12125550001,+12125550002"
	if strings.Join(got, ",") != want {
		t.Errorf("round-robin order: want %s, got %s", want, strings.Join(got, ","))
	}
}

func TestSelect_Empty(t *testing.T) {
	t.Parallel()

	p := New(nil)
	if _, err := p.Select("+15307748286"); !errors.Is(err, ErrNoNumbers) {
		t.Errorf("want ErrNoNumbers, got %v", err)
	}
}

func TestConfigure_SwapWhileSelecting(t *testing.T) {
	t.Parallel()

	p := New([]string{"+12125550001"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := p.Select("+19075551234"); err != nil {
					t.Errorf("Select during reconfigure: %v", err)
					return
				}
			}
		}()
	}
	for j := 0; j < 50; j++ {
		p.Configure([]string{"+12125550001", "+13105550002"})
	}
	wg.Wait()
}
