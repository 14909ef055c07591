package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelForwardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "showo_model_forward_duration_seconds",
		Help:    "Duration of a single graph execution",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"model"})

	GenerationStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "showo_generation_step_duration_seconds",
		Help:    "Duration of one decoding step",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"task"})

	GeneratedTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "showo_generated_tokens_total",
		Help: "Total number of generated tokens",
	}, []string{"task"})

	ImagesGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "showo_images_generated_total",
		Help: "Total number of decoded images",
	})

	TokenizerDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "showo_tokenizer_duration_seconds",
		Help: "Duration of tokenizer calls",
	})
)

// RecordForward records one graph execution for the named model.
func RecordForward(model string, duration time.Duration) {
	ModelForwardDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordStep records a decoding step and the number of tokens it produced.
func RecordStep(task string, tokens int, duration time.Duration) {
	GenerationStepDuration.WithLabelValues(task).Observe(duration.Seconds())
	if tokens > 0 {
		GeneratedTokensTotal.WithLabelValues(task).Add(float64(tokens))
	}
}

func RecordImages(count int) {
	if count > 0 {
		ImagesGeneratedTotal.Add(float64(count))
	}
}

func RecordTokenizer(duration time.Duration) {
	TokenizerDuration.Observe(duration.Seconds())
}
