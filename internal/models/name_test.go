package models

import "testing"

func TestSanitizeSessionName(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"spaces and punctuation", "My Show!", "My-Show"},
		{"keeps underscores", "late_night", "late_night"},
		{"collapses runs", "a -- b", "a-b"},
		{"trims edges", "--edge--", "edge"},
		{"folds accents", "Café Stream", "Cafe-Stream"},
		{"nothing usable", "!!!", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSessionName(tc.input); got != tc.want {
				t.Fatalf("SanitizeSessionName(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestSanitizeSessionNameCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 20; i++ {
		long += "abcdef"
	}
	got := SanitizeSessionName(long)
	if len(got) != maxSessionIDLength {
		t.Fatalf("expected %d characters, got %d", maxSessionIDLength, len(got))
	}
}

func TestPlatformDestinationURL(t *testing.T) {
	url, err := PlatformYouTube.DestinationURL("abc")
	if err != nil {
		t.Fatalf("DestinationURL returned error: %v", err)
	}
	if url != "rtmp://a.rtmp.youtube.com/live2/abc" {
		t.Fatalf("unexpected destination %q", url)
	}
	if _, err := Platform("Twitch").DestinationURL("abc"); err == nil {
		t.Fatal("expected error for unsupported platform")
	}
}

func TestDeactivateStampsVariantFields(t *testing.T) {
	active := ActiveSession{SessionCore: SessionCore{ID: "show", Owner: "u1"}}
	when := active.StartedAt.Add(1)
	inactive := active.Deactivate(when, StopReasonAdmin)
	if inactive.ID != "show" || inactive.Owner != "u1" {
		t.Fatalf("core fields not carried over: %+v", inactive)
	}
	if !inactive.StoppedAt.Equal(when) || inactive.StopReason != StopReasonAdmin {
		t.Fatalf("variant fields not stamped: %+v", inactive)
	}
}
