package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	kernelAlive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernelsup",
		Name:      "kernel_alive",
		Help:      "Whether the supervised kernel process is running (1=alive, 0=stopped).",
	}, []string{"kernel"})

	kernelRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernelsup",
		Name:      "kernel_restarts_total",
		Help:      "Total number of restarts performed for each kernel.",
	}, []string{"kernel"})

	kernelInterrupts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kernelsup",
		Name:      "kernel_interrupts_total",
		Help:      "Total number of interrupts delivered to each kernel.",
	}, []string{"kernel"})

	shellReplyLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kernelsup",
		Name:      "shell_reply_seconds",
		Help:      "Time between sending a shell request and receiving its reply.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"msg_type"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "kernelsup",
		Name:      "build_info",
		Help:      "Build metadata for the running kernelsup binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(kernelAlive, kernelRestarts, kernelInterrupts, shellReplyLatency, buildInfo)
}

// Registry returns the Prometheus registry containing all kernelsup metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetKernelAlive records whether the named kernel's process is running.
func SetKernelAlive(kernel string, alive bool) {
	if kernel == "" {
		return
	}
	value := 0.0
	if alive {
		value = 1.0
	}
	kernelAlive.WithLabelValues(kernel).Set(value)
}

// IncrementKernelRestart increments the restart counter by one.
func IncrementKernelRestart(kernel string) {
	if kernel == "" {
		return
	}
	kernelRestarts.WithLabelValues(kernel).Inc()
}

// IncrementKernelInterrupt increments the interrupt counter by one.
func IncrementKernelInterrupt(kernel string) {
	if kernel == "" {
		return
	}
	kernelInterrupts.WithLabelValues(kernel).Inc()
}

// ObserveShellReply records how long a shell reply took to arrive.
func ObserveShellReply(msgType string, d time.Duration) {
	label := msgType
	if label == "" {
		label = "unknown"
	}
	shellReplyLatency.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetKernel clears every series recorded for a kernel.
func ResetKernel(kernel string) {
	if kernel == "" {
		return
	}
	kernelAlive.DeleteLabelValues(kernel)
	kernelRestarts.DeleteLabelValues(kernel)
	kernelInterrupts.DeleteLabelValues(kernel)
}
