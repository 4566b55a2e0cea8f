package collector

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name the collector reports readiness under.
const HealthService = "taskpool.collector"

// HealthServer exposes grpc.health.v1 so the coordinator can tell when the
// collector is consuming before it spawns any worker.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

// StartHealthServer listens on addr ("127.0.0.1:0" picks a free port) and
// reports NOT_SERVING until SetPhase moves the collector to RUNNING.
func StartHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health listen %s: %w", addr, err)
	}
	hs := health.NewServer()
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()

	return &HealthServer{srv: srv, health: hs, lis: lis}, nil
}

// Addr returns the bound listen address.
func (h *HealthServer) Addr() string {
	return h.lis.Addr().String()
}

// SetPhase maps collector phases to serving status.
func (h *HealthServer) SetPhase(p Phase) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if p == PhaseRunning || p == PhaseDraining {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus(HealthService, status)
}

// Stop closes the listener and all connections.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.srv.Stop()
}

// WaitServing polls addr until the collector reports SERVING or ctx ends.
func WaitServing(ctx context.Context, addr string, interval time.Duration) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("health dial %s: %w", addr, err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		resp, err := client.Check(checkCtx, &healthpb.HealthCheckRequest{Service: HealthService})
		cancel()
		if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("collector not serving: %w (last error: %v)", ctx.Err(), err)
			}
			return fmt.Errorf("collector not serving: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
