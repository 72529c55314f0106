package engine

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("engine",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Start),
)

// Start hooks the engine's run loop into the application lifecycle.
func Start(lc fx.Lifecycle, eng *Engine) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go eng.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
