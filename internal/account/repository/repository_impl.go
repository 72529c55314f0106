package repository

import (
	"context"

	accountdomain "github.com/cloudmeter/quota/internal/account/domain"
	"github.com/cloudmeter/quota/pkg/repository"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

type directory struct {
	store repository.Repository[accountdomain.Account]
}

type Params struct {
	fx.In

	DB *gorm.DB
}

func NewDirectory(p Params) accountdomain.Directory {
	return &directory{store: repository.ProvideStore[accountdomain.Account](p.DB)}
}

func (d *directory) ListAll(ctx context.Context) ([]accountdomain.Account, error) {
	rows, err := d.store.Find(ctx, &accountdomain.Account{})
	if err != nil {
		return nil, err
	}
	accounts := make([]accountdomain.Account, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, *row)
	}
	return accounts, nil
}
