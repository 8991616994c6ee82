package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	regMu    sync.RWMutex
	registry *prometheus.Registry
)

// InitRegistry enables metrics collection with a dedicated Prometheus
// registry. Constructors in the prometheus subpackage return nil until this
// has been called, so programs that never initialize the registry pay
// nothing.
func InitRegistry() *prometheus.Registry {
	regMu.Lock()
	defer regMu.Unlock()
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return registry
}

// GetRegistry returns the registry, or nil if metrics are disabled.
func GetRegistry() *prometheus.Registry {
	regMu.RLock()
	defer regMu.RUnlock()
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return GetRegistry() != nil
}
