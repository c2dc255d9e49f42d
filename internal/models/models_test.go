package models

import (
	"testing"
	"time"
)

func TestTimeOfDay(t *testing.T) {
	cases := []struct {
		hour int
		want string
	}{
		{4, Night},
		{5, Morning},
		{11, Morning},
		{12, Afternoon},
		{16, Afternoon},
		{17, Evening},
		{20, Evening},
		{21, Night},
		{0, Night},
	}
	for _, tc := range cases {
		ts := time.Date(2026, 3, 1, tc.hour, 30, 0, 0, time.UTC)
		if got := TimeOfDay(ts); got != tc.want {
			t.Fatalf("hour %d: got %s want %s", tc.hour, got, tc.want)
		}
	}
}

func TestReplyToMessage(t *testing.T) {
	r := Reply{ID: "12", ConversationID: "10", Author: "bob", Content: "hi", InReplyToID: "10"}
	m := r.ToMessage("sia", PlatformTwitter)
	if m.Character != "sia" || m.Platform != PlatformTwitter || m.ResponseTo != "10" || m.IsRoot() {
		t.Fatalf("unexpected message %+v", m)
	}
}
