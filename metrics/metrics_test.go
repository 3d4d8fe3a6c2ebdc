package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsExist(t *testing.T) {
	for name, metric := range map[string]any{
		"FramesComposed":          FramesComposed,
		"AudioBytesMixed":         AudioBytesMixed,
		"FrameProcessingDuration": FrameProcessingDuration,
		"Overruns":                Overruns,
		"MainTrackTimeouts":       MainTrackTimeouts,
		"LiveMaterials":           LiveMaterials,
		"QueueDepth":              QueueDepth,
		"QueueDiscards":           QueueDiscards,
		"SourceReopens":           SourceReopens,
		"CommandsTotal":           CommandsTotal,
	} {
		require.NotNil(t, metric, name)
	}
}

func TestCommandsTotalLabels(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("ADD", "ok"))
	CommandsTotal.WithLabelValues("ADD", "ok").Inc()
	require.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues("ADD", "ok")))
}
