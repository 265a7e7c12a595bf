package dispatch

import (
	"testing"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
)

func TestBaseDelay_Auto(t *testing.T) {
	p := campaign.Pacing{DelayType: campaign.DelayAuto}
	cases := map[int]time.Duration{
		1:    3000 * time.Millisecond,
		15:   3000 * time.Millisecond,
		20:   3000 * time.Millisecond,
		21:   5000 * time.Millisecond,
		50:   5000 * time.Millisecond,
		51:   8000 * time.Millisecond,
		100:  8000 * time.Millisecond,
		101:  12000 * time.Millisecond,
		5000: 12000 * time.Millisecond,
	}
	prev := time.Duration(0)
	for _, n := range []int{1, 15, 20, 21, 50, 51, 100, 101, 5000} {
		got := BaseDelay(p, n)
		if got != cases[n] {
			t.Errorf("delay(%d) = %v, want %v", n, got, cases[n])
		}
		if got < prev {
			t.Errorf("delay(%d) decreased", n)
		}
		prev = got
	}
}

func TestBaseDelay_Floors(t *testing.T) {
	cases := []struct {
		typ  campaign.DelayType
		base int
		want time.Duration
	}{
		{campaign.DelayAdaptive, 0, 3 * time.Second},
		{campaign.DelayAdaptive, 2, 3 * time.Second},
		{campaign.DelayAdaptive, 7, 7 * time.Second},
		{campaign.DelayManual, 1, 2 * time.Second},
		{campaign.DelayManual, 10, 10 * time.Second},
		{"", 0, 3 * time.Second},
	}
	for _, tc := range cases {
		got := BaseDelay(campaign.Pacing{DelayType: tc.typ, BaseDelaySeconds: tc.base}, 10)
		if got != tc.want {
			t.Errorf("%s/%d: got %v, want %v", tc.typ, tc.base, got, tc.want)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	base := 5000 * time.Millisecond
	lo, hi := 3500*time.Millisecond, 6500*time.Millisecond
	for _, r := range []float64{0, 0.1, 0.25, 0.5, 0.75, 0.999999} {
		got := Jitter(base, r)
		if got < lo-time.Microsecond || got > hi {
			t.Fatalf("jitter(%v) = %v outside [%v, %v]", r, got, lo, hi)
		}
	}
	if d := Jitter(base, 0.5) - base; d < -time.Microsecond || d > time.Microsecond {
		t.Fatalf("r=0.5 should be the base, off by %v", d)
	}
}

func TestTune(t *testing.T) {
	floor := 3 * time.Second
	if got := Tune(4*time.Second, floor, 7, 3); got != 6*time.Second {
		t.Errorf("30%% failures should back off to 6s, got %v", got)
	}
	if got := Tune(50*time.Second, floor, 0, 5); got != 60*time.Second {
		t.Errorf("backoff capped at 60s, got %v", got)
	}
	if got := Tune(10*time.Second, floor, 10, 0); got != 9*time.Second {
		t.Errorf("clean batch should speed up 10%%, got %v", got)
	}
	if got := Tune(3*time.Second, floor, 10, 0); got != floor {
		t.Errorf("never below floor, got %v", got)
	}
	if got := Tune(5*time.Second, floor, 9, 1); got != 5*time.Second {
		t.Errorf("10%% failures leave the delay alone, got %v", got)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"+1 (555) 000-1234", "+15550001234", true},
		{"15550001234", "15550001234", true},
		{"5511999998888@s.whatsapp.net", "5511999998888", true},
		{"1234567", "", false},
		{"+1234567890123456", "", false},
		{"+15550abc", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeAddress(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("%q: got %q/%v, want %q/%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestPersonalize(t *testing.T) {
	body := "Hi {first_name} ({name}), reply to {phone}"
	if got := Personalize(body, "Ana Souza", "+5511"); got != "Hi Ana (Ana Souza), reply to +5511" {
		t.Fatalf("got %q", got)
	}
	if got := Personalize(body, "", "+5511"); got != "Hi +5511 (+5511), reply to +5511" {
		t.Fatalf("fallback to address, got %q", got)
	}
}
