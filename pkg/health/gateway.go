package health

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-assistant/pkg/errors"
	"github.com/core-tools/hsu-assistant/pkg/logging"
)

// Contract is the status query a control client depends on
type Contract interface {
	Status(ctx context.Context) (string, error)
}

// Gateway queries a host's health service
type Gateway struct {
	client  healthpb.HealthClient
	service string
	logger  logging.Logger
}

var _ Contract = (*Gateway)(nil)

func NewGateway(connection grpc.ClientConnInterface, service string, logger logging.Logger) *Gateway {
	return &Gateway{
		client:  healthpb.NewHealthClient(connection),
		service: service,
		logger:  logger,
	}
}

// Dial opens a plaintext connection to a local host
func Dial(address string) (*grpc.ClientConn, error) {
	connection, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.NewIOError("failed to create health client", err).WithContext("address", address)
	}
	return connection, nil
}

// Status returns the serving status name, e.g. "SERVING"
func (gw *Gateway) Status(ctx context.Context) (string, error) {
	response, err := gw.client.Check(ctx, &healthpb.HealthCheckRequest{Service: gw.service})
	if err != nil {
		gw.logger.Errorf("Health check failed, service: %s, error: %v", gw.service, err)
		return "", errors.NewIOError("health check failed", err).WithContext("service", gw.service)
	}
	gw.logger.Debugf("Health check done, service: %s, status: %s", gw.service, response.Status)
	return response.Status.String(), nil
}

type RetryOptions struct {
	RetryAttempts int
	RetryInterval time.Duration
}

// RetryStatus polls Status until it answers or the attempts are used up
func (gw *Gateway) RetryStatus(ctx context.Context, options RetryOptions) (string, error) {
	if options.RetryAttempts <= 0 {
		options.RetryAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= options.RetryAttempts; attempt++ {
		status, err := gw.Status(ctx)
		if err == nil {
			return status, nil
		}
		lastErr = err
		gw.logger.Debugf("Health check attempt failed, attempt: %d/%d", attempt, options.RetryAttempts)

		if attempt == options.RetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", errors.NewCancelledError("health check cancelled", ctx.Err())
		case <-time.After(options.RetryInterval):
		}
	}
	return "", lastErr
}
