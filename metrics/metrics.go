// Package metrics declares the Prometheus collectors of the decorating engine.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/xaionaro-go/avdecorate/logger"
	"github.com/xaionaro-go/observability"
)

// Main loop metrics
var (
	FramesComposed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avdecorate_frames_composed_total",
			Help: "Total number of composed output frames",
		},
	)

	AudioBytesMixed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avdecorate_audio_bytes_mixed_total",
			Help: "Total number of mixed PCM bytes forwarded to the encoder",
		},
	)

	FrameProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "avdecorate_frame_processing_duration_seconds",
			Help:    "Time spent on composing and mixing a single output frame",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64},
		},
	)

	Overruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avdecorate_main_loop_overruns_total",
			Help: "Number of times the main loop fell behind the output frame period",
		},
	)

	MainTrackTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "avdecorate_main_track_read_timeouts_total",
			Help: "Number of bounded waits on the main track that returned nothing",
		},
	)

	LiveMaterials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "avdecorate_live_materials",
			Help: "Number of materials in the live list",
		},
	)
)

// Decode cache metrics
var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "avdecorate_decode_queue_depth",
			Help: "Number of decoded units waiting in a decode queue",
		},
		[]string{"source", "queue"},
	)

	QueueDiscards = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avdecorate_decode_queue_discards_total",
			Help: "Number of decoded units discarded to bound latency",
		},
		[]string{"queue"},
	)

	SourceReopens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avdecorate_source_reopens_total",
			Help: "Number of times a source was reopened after EOF, error or stall",
		},
		[]string{"reason"},
	)
)

// Control channel metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "avdecorate_commands_total",
			Help: "Number of applied live reconfiguration commands",
		},
		[]string{"op", "status"},
	)
)

// Serve exposes the default registry on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	observability.Go(ctx, func(ctx context.Context) {
		<-ctx.Done()
		shutdownCtx, cancelFn := context.WithTimeout(context.Background(), time.Second)
		defer cancelFn()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorf(ctx, "unable to shutdown the metrics server: %v", err)
		}
	})
	logger.Infof(ctx, "serving metrics at %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
