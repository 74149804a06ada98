// Package metrics exposes the encode engine's Prometheus counters plus a
// locally mirrored atomic snapshot for the periodic log-based reporting
// path (useful where nothing is scraping /metrics).
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/cth103/dcpomatic-sub004/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_encoded_total",
		Help: "Total frames successfully encoded, across all threads.",
	})
	FramesRetried = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_retried_total",
		Help: "Total frame encodes that failed and were retried.",
	})
	FramesGivenUp = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_given_up_total",
		Help: "Total frames abandoned after exhausting retries.",
	})
	ButlerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "butler_queue_depth",
		Help: "Current number of frames held in the Butler's readahead queue.",
	})
	EncoderQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "j2k_encoder_queue_depth",
		Help: "Current number of frames in the encoder's backlog, not yet handed to a worker.",
	})
	ActiveThreads = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "encoder_threads_active",
		Help: "Number of running encoder threads by kind (cpu|gpu|remote); kind=total is the scheduler's pool size.",
	}, []string{"kind"})
	RemoteServersKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "remote_servers_known",
		Help: "Number of remote encode servers currently known to the finder.",
	})
	EncodeServerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "encode_server_queue_depth",
		Help: "Current number of pending requests queued on the Encode Server.",
	})
	EncodeServerFramesEncoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "encode_server_frames_encoded_total",
		Help: "Total frames encoded by this Encode Server process.",
	})
	GPUFramesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_frames_scheduled_total",
		Help: "Total frames handed to the GPU offload messenger.",
	})
	GPUFramesFellBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_frames_fellback_total",
		Help: "Total frames that fell back to CPU encode after a too-small compressed result.",
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

// Error label constants (stable label values to bound cardinality).
const (
	ErrNetwork     = "network"
	ErrEncode      = "encode"
	ErrProgramming = "programming"
	ErrHandshake   = "handshake"
	ErrGPU         = "gpu"
)

// StartHTTP serves Prometheus metrics at /metrics, plus /ready.
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

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters, for cheap periodic logging without scraping.
var (
	localFramesEncoded  uint64
	localFramesRetried  uint64
	localFramesGivenUp  uint64
	localErrors         uint64
	localGPUFellBack    uint64
	localGPUScheduled   uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	FramesEncoded uint64
	FramesRetried uint64
	FramesGivenUp uint64
	Errors        uint64
	GPUScheduled  uint64
	GPUFellBack   uint64
}

func Snap() Snapshot {
	return Snapshot{
		FramesEncoded: atomic.LoadUint64(&localFramesEncoded),
		FramesRetried: atomic.LoadUint64(&localFramesRetried),
		FramesGivenUp: atomic.LoadUint64(&localFramesGivenUp),
		Errors:        atomic.LoadUint64(&localErrors),
		GPUScheduled:  atomic.LoadUint64(&localGPUScheduled),
		GPUFellBack:   atomic.LoadUint64(&localGPUFellBack),
	}
}

func IncFramesEncoded() {
	FramesEncoded.Inc()
	atomic.AddUint64(&localFramesEncoded, 1)
}

func IncFramesRetried() {
	FramesRetried.Inc()
	atomic.AddUint64(&localFramesRetried, 1)
}

func IncFramesGivenUp() {
	FramesGivenUp.Inc()
	atomic.AddUint64(&localFramesGivenUp, 1)
}

func IncGPUScheduled() {
	GPUFramesScheduled.Inc()
	atomic.AddUint64(&localGPUScheduled, 1)
}

func IncGPUFellBack() {
	GPUFramesFellBack.Inc()
	atomic.AddUint64(&localGPUFellBack, 1)
}

func SetButlerQueueDepth(n int)  { ButlerQueueDepth.Set(float64(n)) }
func SetEncoderQueueDepth(n int) { EncoderQueueDepth.Set(float64(n)) }
func SetActiveThreads(kind string, n int) { ActiveThreads.WithLabelValues(kind).Set(float64(n)) }
func SetRemoteServersKnown(n int)         { RemoteServersKnown.Set(float64(n)) }
func SetEncodeServerQueueDepth(n int)     { EncodeServerQueueDepth.Set(float64(n)) }

func IncEncodeServerFramesEncoded() { EncodeServerFramesEncoded.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers error label
// series so the first real error does not pay registration latency.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrNetwork, ErrEncode, ErrProgramming, ErrHandshake, ErrGPU} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
