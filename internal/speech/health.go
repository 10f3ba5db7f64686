package speech

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// HealthChecker probes the recognition backend.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth checks a recognition backend through the standard gRPC health service.
type GRPCHealth struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
	timeout time.Duration
}

// NewGRPCHealth builds a health client for addr. No network I/O happens until Check.
func NewGRPCHealth(addr, service string, timeout time.Duration) (*GRPCHealth, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	kacp := keepalive.ClientParameters{
		Time:                2 * time.Minute,
		Timeout:             10 * time.Second,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("create health client for %s: %w", addr, err)
	}
	return &GRPCHealth{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: service,
		timeout: timeout,
	}, nil
}

// Check returns nil when the backend reports SERVING.
func (h *GRPCHealth) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := waitForReady(ctx, h.conn); err != nil {
		return fmt.Errorf("%w: backend not reachable: %v", ErrRecognitionUnavailable, err)
	}
	resp, err := h.client.Check(ctx, &healthpb.HealthCheckRequest{Service: h.service})
	if err != nil {
		return fmt.Errorf("%w: health check: %v", ErrRecognitionUnavailable, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: backend status %s", ErrRecognitionUnavailable, resp.GetStatus())
	}
	return nil
}

// Close closes the connection.
func (h *GRPCHealth) Close() error {
	return h.conn.Close()
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}
