package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PostsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personago_posts_total",
			Help: "Posts attempted, by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	RepliesIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personago_replies_ingested_total",
			Help: "Replies stored by the poller, by platform and flagged state.",
		},
		[]string{"platform", "flagged"},
	)

	ResponsesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personago_responses_total",
			Help: "Responses attempted, by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	PollBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personago_poll_batches_total",
			Help: "Reply fetch batches, by platform and result.",
		},
		[]string{"platform", "result"},
	)

	ModerationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "personago_moderation_failures_total",
			Help: "Classifier errors that were failed open.",
		},
	)

	GenerationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "personago_generation_failures_total",
			Help: "Generation calls that failed, by provider.",
		},
		[]string{"provider"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "personago_cycle_duration_seconds",
			Help:    "Wall time of one scheduler cycle excluding the final sleep.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"platform"},
	)

	NextPostSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "personago_next_post_seconds",
			Help: "Seconds until the next post is due, by platform.",
		},
		[]string{"platform"},
	)
)

func init() {
	prometheus.MustRegister(PostsPublished)
	prometheus.MustRegister(RepliesIngested)
	prometheus.MustRegister(ResponsesPublished)
	prometheus.MustRegister(PollBatches)
	prometheus.MustRegister(ModerationFailures)
	prometheus.MustRegister(GenerationFailures)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(NextPostSeconds)
}
