package usage

import (
	"github.com/cloudmeter/quota/internal/usage/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.source",
	fx.Provide(repository.NewSource),
)
