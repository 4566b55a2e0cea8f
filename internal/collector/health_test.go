package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
)

func TestHealthFollowsPhase(t *testing.T) {
	hs, err := StartHealthServer("127.0.0.1:0")
	require.NoError(t, err)
	defer hs.Stop()

	// STARTING: not serving yet
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	err = WaitServing(ctx, hs.Addr(), 20*time.Millisecond)
	cancel()
	assert.Error(t, err)

	hs.SetPhase(PhaseRunning)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, WaitServing(ctx, hs.Addr(), 20*time.Millisecond))

	hs.SetPhase(PhaseDraining)
	assert.NoError(t, WaitServing(ctx, hs.Addr(), 20*time.Millisecond))
}

func TestWaitServingUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.Error(t, WaitServing(ctx, "127.0.0.1:1", 20*time.Millisecond))
}

func TestHealthCheckResponse(t *testing.T) {
	hs, err := StartHealthServer("127.0.0.1:0")
	require.NoError(t, err)
	defer hs.Stop()

	conn, err := grpc.NewClient(hs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := &healthpb.HealthCheckRequest{Service: HealthService}
	resp, err := client.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, resp))

	hs.SetPhase(PhaseStopped)
	resp, err = client.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}
