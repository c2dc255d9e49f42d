package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(PostsPublished.WithLabelValues("twitter", "ok"))
	PostsPublished.WithLabelValues("twitter", "ok").Inc()
	if got := testutil.ToFloat64(PostsPublished.WithLabelValues("twitter", "ok")); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}

	base := testutil.ToFloat64(ModerationFailures)
	ModerationFailures.Inc()
	if got := testutil.ToFloat64(ModerationFailures); got != base+1 {
		t.Fatalf("expected %v, got %v", base+1, got)
	}
}
