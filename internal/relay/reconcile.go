package relay

import (
	"context"
	"fmt"
	"time"

	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	"go.uber.org/zap"
)

// Reconcile flags rows created before cutoff as relayed, so a polling relay that
// takes over from CDC starts after the connector's last forwarded row. An empty
// services list covers every outbox.
func Reconcile(ctx context.Context, outbox *outboxservice.Service, log *zap.Logger, cutoff time.Time, services ...string) (map[string]int64, error) {
	if len(services) == 0 {
		services = outboxdomain.Services
	}
	out := make(map[string]int64, len(services))
	for _, service := range services {
		n, err := outbox.MarkRelayedBefore(ctx, service, cutoff)
		if err != nil {
			return out, fmt.Errorf("reconcile %s: %w", service, err)
		}
		out[service] = n
		log.Info("outbox reconciled",
			zap.String("table", outboxdomain.TableName(service)),
			zap.Time("cutoff", cutoff),
			zap.Int64("marked", n),
		)
	}
	return out, nil
}
