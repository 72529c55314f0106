package account

import (
	"github.com/cloudmeter/quota/internal/account/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("account.directory",
	fx.Provide(repository.NewDirectory),
)
