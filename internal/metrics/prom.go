package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "qlsl_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	bridgeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qlsl_bridge_state",
			Help: "Current bridge state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	connectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlsl_connect_attempts_total",
			Help: "Connection attempts to the QTM server",
		},
		[]string{"outcome"},
	)

	framesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qlsl_frames_received_total",
			Help: "Frames received from QTM",
		},
	)

	samplesPushed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qlsl_samples_pushed_total",
			Help: "Samples accepted by the outlet",
		},
	)

	samplesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qlsl_samples_dropped_total",
			Help: "Samples dropped by the outlet buffer (drop-oldest)",
		},
	)

	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qlsl_decode_errors_total",
			Help: "Frame decode failures",
		},
		[]string{"kind"},
	)

	pushErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qlsl_push_errors_total",
			Help: "Outlet push failures",
		},
	)

	outletConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qlsl_outlet_consumers",
			Help: "Connected outlet consumers",
		},
	)

	schemaRebuilds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qlsl_schema_rebuilds_total",
			Help: "Channel schema re-resolutions triggered by shape changes",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, bridgeState, connectAttempts, framesReceived,
		samplesPushed, samplesDropped, decodeErrors, pushErrors,
		outletConsumers, schemaRebuilds)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// SetBridgeState marks state as the single active bridge state.
func SetBridgeState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1.0
		}
		bridgeState.WithLabelValues(s).Set(v)
	}
}

// RecordConnectAttempt increments the connect attempt counter.
func RecordConnectAttempt(success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	connectAttempts.WithLabelValues(outcome).Inc()
}

// RecordFrame increments the received frame counter.
func RecordFrame() { framesReceived.Inc() }

// RecordPush increments the pushed sample counter.
func RecordPush() { samplesPushed.Inc() }

// RecordDrop adds n to the dropped sample counter.
func RecordDrop(n int) { samplesDropped.Add(float64(n)) }

// RecordDecodeError increments the decode error counter for the given kind.
func RecordDecodeError(kind string) { decodeErrors.WithLabelValues(kind).Inc() }

// RecordPushError increments the push error counter.
func RecordPushError() { pushErrors.Inc() }

// SetOutletConsumers sets the connected consumer gauge.
func SetOutletConsumers(n int) { outletConsumers.Set(float64(n)) }

// RecordSchemaRebuild increments the schema rebuild counter.
func RecordSchemaRebuild() { schemaRebuilds.Inc() }
