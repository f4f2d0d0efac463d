package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

func serverPort(t *testing.T, server *httptest.Server) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func waitForHealthState(t *testing.T, health *store.HealthStore, container string, state types.HealthState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if status, ok := health.Get(container); ok && status.State == state {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "container never reached expected health state", state)
}

func TestProberMarksHealthyOnPassingCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	health := store.NewHealthStore()
	spec := types.HealthCheckSpec{Type: "http", Path: "/", Port: serverPort(t, server), Interval: 10 * time.Millisecond, Retries: 1}
	prober, err := NewProber(health, "web-app", "127.0.0.1", spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.Run(ctx, "127.0.0.1")

	waitForHealthState(t, health, "web-app", types.HealthStateHealthy)
}

func TestProberMarksUnhealthyAfterRetriesExceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	health := store.NewHealthStore()
	spec := types.HealthCheckSpec{Type: "http", Path: "/", Port: serverPort(t, server), Interval: 10 * time.Millisecond, Retries: 2}
	prober, err := NewProber(health, "web-app", "127.0.0.1", spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.Run(ctx, "127.0.0.1")

	waitForHealthState(t, health, "web-app", types.HealthStateUnhealthy)
}

func TestProberTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
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

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	health := store.NewHealthStore()
	spec := types.HealthCheckSpec{Type: "tcp", Port: port, Interval: 10 * time.Millisecond, Retries: 1}
	prober, err := NewProber(health, "cache", "127.0.0.1", spec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go prober.Run(ctx, "127.0.0.1")

	waitForHealthState(t, health, "cache", types.HealthStateHealthy)
}

func TestNewProberRejectsUnknownType(t *testing.T) {
	health := store.NewHealthStore()
	_, err := NewProber(health, "app", "127.0.0.1", types.HealthCheckSpec{Type: "grpc"})
	assert.Error(t, err)
}
