package serving

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// Health probe error codes, surfaced as {error_code, error_msg} with HTTP 500.
const (
	HealthServerNotReady = 1
	HealthEngineDown     = 2
	HealthEngineHang     = 3
)

// HealthChecker implements the ready and live probes. Ready means the worker
// transport port accepts connections; live additionally requires the
// engine-ready flag and a heartbeat within check_health_interval.
type HealthChecker struct {
	cfg       *Config
	ready     *atomic.Bool
	heartbeat *atomic.Int64
	// queueAddr is the broker/executor endpoint probed for readiness; empty
	// skips the dial (single-process deployments have no listener).
	queueAddr string
}

func NewHealthChecker(cfg *Config, ready *atomic.Bool, heartbeat *atomic.Int64, queueAddr string) *HealthChecker {
	return &HealthChecker{cfg: cfg, ready: ready, heartbeat: heartbeat, queueAddr: queueAddr}
}

// Check runs the full probe. It returns ok plus the error code and message
// for the failing stage.
func (h *HealthChecker) Check() (bool, int, string) {
	if h.queueAddr != "" {
		conn, err := net.DialTimeout("tcp", h.queueAddr, time.Second)
		if err != nil {
			return false, HealthServerNotReady, "server is not ready"
		}
		conn.Close()
	}
	if !h.ready.Load() {
		return false, HealthEngineDown, "infer engine is down"
	}
	last := h.heartbeat.Load()
	if last == 0 {
		return false, HealthEngineDown, "infer engine is down"
	}
	elapsed := time.Since(time.Unix(0, last))
	if elapsed > time.Duration(h.cfg.CheckHealthInterval)*time.Second {
		return false, HealthEngineHang, fmt.Sprintf("infer engine hangs, no heartbeat for %s", elapsed.Truncate(time.Millisecond))
	}
	return true, 0, ""
}
