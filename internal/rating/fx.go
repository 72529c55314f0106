package rating

import (
	"github.com/cloudmeter/quota/internal/config"
	"github.com/cloudmeter/quota/internal/rating/rule"
	"github.com/cloudmeter/quota/internal/rating/service"
	"github.com/cloudmeter/quota/internal/rating/unit"
	"go.uber.org/fx"
)

var Module = fx.Module("rating.service",
	fx.Provide(
		func(cfg config.EngineConfig) *rule.Evaluator { return rule.NewEvaluator(cfg.RuleTimeout) },
		unit.NewConverter,
		service.NewService,
	),
)
