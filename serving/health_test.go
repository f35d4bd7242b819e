package serving

import (
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func newHealthFixture() (*atomic.Bool, *atomic.Int64) {
	var ready atomic.Bool
	var heartbeat atomic.Int64
	return &ready, &heartbeat
}

func TestHealthCheck_ReportsNotReadyWhenEngineFlagIsDown(t *testing.T) {
	ready, heartbeat := newHealthFixture()
	h := NewHealthChecker(testConfig(), ready, heartbeat, "")

	ok, code, msg := h.Check()
	if ok || code != HealthEngineDown {
		t.Errorf("expected engine-down code %d, got ok=%v code=%d msg=%q", HealthEngineDown, ok, code, msg)
	}
}

func TestHealthCheck_PassesWithFreshHeartbeat(t *testing.T) {
	ready, heartbeat := newHealthFixture()
	ready.Store(true)
	heartbeat.Store(time.Now().UnixNano())
	h := NewHealthChecker(testConfig(), ready, heartbeat, "")

	ok, code, msg := h.Check()
	if !ok || code != 0 || msg != "" {
		t.Errorf("expected healthy, got ok=%v code=%d msg=%q", ok, code, msg)
	}
}

func TestHealthCheck_DetectsHangWhenHeartbeatIsStale(t *testing.T) {
	// GIVEN a ready engine whose last heartbeat is past the interval
	ready, heartbeat := newHealthFixture()
	ready.Store(true)
	heartbeat.Store(time.Now().Add(-20 * time.Second).UnixNano())
	h := NewHealthChecker(testConfig(), ready, heartbeat, "")

	ok, code, _ := h.Check()
	if ok || code != HealthEngineHang {
		t.Errorf("expected hang code %d, got ok=%v code=%d", HealthEngineHang, ok, code)
	}
}

func TestHealthCheck_MissingHeartbeatCountsAsDown(t *testing.T) {
	ready, heartbeat := newHealthFixture()
	ready.Store(true)
	h := NewHealthChecker(testConfig(), ready, heartbeat, "")

	ok, code, _ := h.Check()
	if ok || code != HealthEngineDown {
		t.Errorf("expected engine-down code %d, got ok=%v code=%d", HealthEngineDown, ok, code)
	}
}

func TestHealthCheck_ProbesTheTransportEndpoint(t *testing.T) {
	ready, heartbeat := newHealthFixture()
	ready.Store(true)
	heartbeat.Store(time.Now().UnixNano())

	// an unreachable broker fails first, before the engine checks
	h := NewHealthChecker(testConfig(), ready, heartbeat, "127.0.0.1:1")
	ok, code, _ := h.Check()
	if ok || code != HealthServerNotReady {
		t.Errorf("expected not-ready code %d, got ok=%v code=%d", HealthServerNotReady, ok, code)
	}

	// a live listener passes the dial
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	h = NewHealthChecker(testConfig(), ready, heartbeat, ln.Addr().String())
	ok, code, msg := h.Check()
	if !ok {
		t.Errorf("expected healthy with live listener, got code=%d msg=%q", code, msg)
	}
}
