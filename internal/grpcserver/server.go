// Package grpcserver serves the standard gRPC health protocol for the bridgepay daemon.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name probes should ask for.
const ServiceName = "bridgepay"

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 3 * time.Second
)

var ErrInvalidHealthConfig = errors.New("invalid health server config")

// Pinger checks the datastore. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer reports SERVING while the datastore answers pings.
type HealthServer struct {
	health   *health.Server
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger
}

// Option configures a HealthServer.
type Option func(*HealthServer)

// WithProbeInterval overrides how often Watch pings the datastore.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *HealthServer) {
		if interval > 0 {
			server.interval = interval
		}
	}
}

func NewHealthServer(pinger Pinger, logger *zap.Logger, options ...Option) (*HealthServer, error) {
	if pinger == nil {
		return nil, fmt.Errorf("%w: pinger is nil", ErrInvalidHealthConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &HealthServer{
		health:   health.NewServer(),
		pinger:   pinger,
		interval: defaultProbeInterval,
		logger:   logger,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return server, nil
}

// Register attaches the health service to registrar.
func (server *HealthServer) Register(registrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(registrar, server.health)
}

// Probe pings the datastore once and publishes the outcome.
func (server *HealthServer) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	servingStatus := healthpb.HealthCheckResponse_SERVING
	if err := server.pinger.PingContext(probeCtx); err != nil {
		server.logger.Warn("datastore ping failed", zap.Error(err))
		servingStatus = healthpb.HealthCheckResponse_NOT_SERVING
	}
	server.health.SetServingStatus(ServiceName, servingStatus)
	return servingStatus
}

// Watch probes on every interval until ctx is done.
func (server *HealthServer) Watch(ctx context.Context) {
	server.Probe(ctx)
	ticker := time.NewTicker(server.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			server.Probe(ctx)
		}
	}
}

// Shutdown reports NOT_SERVING for every service and ignores later probes.
func (server *HealthServer) Shutdown() {
	server.health.Shutdown()
}

// Serve runs a gRPC server carrying the health service on listener until ctx is done.
func Serve(ctx context.Context, listener net.Listener, healthServer *HealthServer, logger *zap.Logger) error {
	grpcServer := grpc.NewServer()
	healthServer.Register(grpcServer)

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go healthServer.Watch(watchCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}
