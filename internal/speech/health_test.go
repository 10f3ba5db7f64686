package speech

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealthServer(t *testing.T) (*health.Server, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return hs, lis.Addr().String()
}

func TestGRPCHealthServing(t *testing.T) {
	hs, addr := startHealthServer(t)
	hs.SetServingStatus("speech", healthpb.HealthCheckResponse_SERVING)

	h, err := NewGRPCHealth(addr, "speech", 2*time.Second)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	assert.NoError(t, h.Check(context.Background()))
}

func TestGRPCHealthNotServing(t *testing.T) {
	hs, addr := startHealthServer(t)
	hs.SetServingStatus("speech", healthpb.HealthCheckResponse_NOT_SERVING)

	h, err := NewGRPCHealth(addr, "speech", 2*time.Second)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	err = h.Check(context.Background())
	assert.ErrorIs(t, err, ErrRecognitionUnavailable)
}

func TestGRPCHealthUnreachable(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	h, err := NewGRPCHealth(addr, "", 300*time.Millisecond)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	assert.ErrorIs(t, h.Check(context.Background()), ErrRecognitionUnavailable)
}
