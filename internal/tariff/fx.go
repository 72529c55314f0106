package tariff

import (
	"github.com/cloudmeter/quota/internal/tariff/catalog"
	"go.uber.org/fx"
)

var Module = fx.Module("tariff.catalog",
	fx.Provide(catalog.New),
)
