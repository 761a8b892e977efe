package outbox

import (
	"github.com/smallbiznis/tripsaga/internal/outbox/repository"
	"github.com/smallbiznis/tripsaga/internal/outbox/service"
	"go.uber.org/fx"
)

var Module = fx.Module("outbox",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
