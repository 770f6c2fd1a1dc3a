package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/uart-ble-relay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes received from the serial link.",
	})
	SerialRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_lines_total",
		Help: "Total completed receive buffers handed to the relay consumer.",
	})
	SerialTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_bytes_total",
		Help: "Total bytes the serial driver reported as transmitted.",
	})
	SerialTxChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_chunks_total",
		Help: "Total transmit buffers completed by the serial driver.",
	})
	SerialTxAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_aborts_total",
		Help: "Total transmit aborts resumed from the reported offset.",
	})
	SerialTxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "serial_tx_pending",
		Help: "Buffers waiting in the pending transmit queue.",
	})
	BLETxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_tx_bytes_total",
		Help: "Total bytes forwarded to the wireless link.",
	})
	BLERxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ble_rx_bytes_total",
		Help: "Total bytes accepted from the wireless link.",
	})
	RelayDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_total",
		Help: "Payloads dropped by the relay gate, by reason.",
	}, []string{"reason"})
	PoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "buffer_pool_in_use",
		Help: "Serial buffers currently owned by some component.",
	})
	PoolExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "buffer_pool_exhausted_total",
		Help: "Buffer acquisitions that failed because the pool was empty.",
	})
	PairingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_decisions_total",
		Help: "Pairing callback decisions by kind and outcome.",
	}, []string{"kind", "outcome"})
	PairingResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pairing_results_total",
		Help: "Pairing procedures by final result.",
	}, []string{"result"})
	PairingWindowOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pairing_window_open",
		Help: "1 while new pairings are accepted.",
	})
	LinkAuthenticated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_authenticated",
		Help: "1 while a wireless link at or above the authenticated level exists.",
	})
	LinkPayloadSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_payload_size_bytes",
		Help: "Negotiated maximum wireless payload size.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialTxSubmit = "serial_tx_submit"
	ErrSerialRxSubmit = "serial_rx_submit"
	ErrBufferRelease  = "buffer_release"
	ErrBLESend        = "ble_send"
	ErrBLEAgent       = "ble_agent"
	ErrSecurity       = "ble_security"
)

// Drop reasons for RelayDropped.
const (
	DropUnauthenticated = "unauthenticated"
	DropNotConnected    = "not_connected"
	DropInboundRejected = "inbound_rejected"
	DropSerialDown      = "serial_down"
)

// Pairing decision kinds/outcomes for PairingDecisions.
const (
	PairingPasskeyConfirm = "passkey_confirm"
	PairingConfirm        = "pairing_confirm"
	PairingOOB            = "oob"
	OutcomeAccepted       = "accepted"
	OutcomeRejected       = "rejected"

	ResultComplete  = "complete"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

// StartHTTP serves Prometheus metrics at /metrics plus a /ready probe.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localSerialRxBytes  uint64
	localSerialRxLines  uint64
	localSerialTxBytes  uint64
	localSerialTxChunks uint64
	localSerialTxAborts uint64
	localTxPending      uint64
	localBLETxBytes     uint64
	localBLERxBytes     uint64
	localDropped        uint64
	localPoolInUse      uint64
	localPoolExhausted  uint64
	localPairAccepted   uint64
	localPairRejected   uint64
	localErrors         uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRxBytes   uint64
	SerialRxLines   uint64
	SerialTxBytes   uint64
	SerialTxChunks  uint64
	SerialTxAborts  uint64
	TxPending       uint64
	BLETxBytes      uint64
	BLERxBytes      uint64
	Dropped         uint64 // sum across drop reasons
	PoolInUse       uint64
	PoolExhausted   uint64
	PairingAccepted uint64
	PairingRejected uint64
	Errors          uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRxBytes:   atomic.LoadUint64(&localSerialRxBytes),
		SerialRxLines:   atomic.LoadUint64(&localSerialRxLines),
		SerialTxBytes:   atomic.LoadUint64(&localSerialTxBytes),
		SerialTxChunks:  atomic.LoadUint64(&localSerialTxChunks),
		SerialTxAborts:  atomic.LoadUint64(&localSerialTxAborts),
		TxPending:       atomic.LoadUint64(&localTxPending),
		BLETxBytes:      atomic.LoadUint64(&localBLETxBytes),
		BLERxBytes:      atomic.LoadUint64(&localBLERxBytes),
		Dropped:         atomic.LoadUint64(&localDropped),
		PoolInUse:       atomic.LoadUint64(&localPoolInUse),
		PoolExhausted:   atomic.LoadUint64(&localPoolExhausted),
		PairingAccepted: atomic.LoadUint64(&localPairAccepted),
		PairingRejected: atomic.LoadUint64(&localPairRejected),
		Errors:          atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func AddSerialRx(n int) {
	SerialRxBytes.Add(float64(n))
	atomic.AddUint64(&localSerialRxBytes, uint64(n))
}

func IncSerialRxLine() {
	SerialRxLines.Inc()
	atomic.AddUint64(&localSerialRxLines, 1)
}

// AddSerialTx records one completed transmit buffer of n bytes.
func AddSerialTx(n int) {
	SerialTxBytes.Add(float64(n))
	SerialTxChunks.Inc()
	atomic.AddUint64(&localSerialTxBytes, uint64(n))
	atomic.AddUint64(&localSerialTxChunks, 1)
}

func IncSerialTxAbort() {
	SerialTxAborts.Inc()
	atomic.AddUint64(&localSerialTxAborts, 1)
}

func SetTxPending(n int) {
	SerialTxPending.Set(float64(n))
	atomic.StoreUint64(&localTxPending, uint64(n))
}

func AddBLETx(n int) {
	BLETxBytes.Add(float64(n))
	atomic.AddUint64(&localBLETxBytes, uint64(n))
}

func AddBLERx(n int) {
	BLERxBytes.Add(float64(n))
	atomic.AddUint64(&localBLERxBytes, uint64(n))
}

func IncDropped(reason string) {
	RelayDropped.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localDropped, 1)
}

func SetPoolInUse(n int) {
	PoolInUse.Set(float64(n))
	atomic.StoreUint64(&localPoolInUse, uint64(n))
}

func IncPoolExhausted() {
	PoolExhausted.Inc()
	atomic.AddUint64(&localPoolExhausted, 1)
}

// IncPairing records one pairing callback decision.
func IncPairing(kind string, accepted bool) {
	if accepted {
		PairingDecisions.WithLabelValues(kind, OutcomeAccepted).Inc()
		atomic.AddUint64(&localPairAccepted, 1)
		return
	}
	PairingDecisions.WithLabelValues(kind, OutcomeRejected).Inc()
	atomic.AddUint64(&localPairRejected, 1)
}

func IncPairingResult(result string) { PairingResults.WithLabelValues(result).Inc() }

func SetPairingOpen(open bool) { PairingWindowOpen.Set(b2f(open)) }
func SetAuthenticated(ok bool) { LinkAuthenticated.Set(b2f(ok)) }
func SetPayloadSize(n int)     { LinkPayloadSize.Set(float64(n)) }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite, ErrSerialTxSubmit, ErrSerialRxSubmit,
		ErrBufferRelease, ErrBLESend, ErrBLEAgent, ErrSecurity,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{DropUnauthenticated, DropNotConnected, DropInboundRejected, DropSerialDown} {
		RelayDropped.WithLabelValues(r).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
