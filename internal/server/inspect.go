package server

import (
	"context"

	"github.com/exastris/exastris/internal/biz"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/conf"
	"github.com/exastris/exastris/internal/data"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/service"
)

// Inspector is a read-only view of the bot's store and commands.
// It never seeds or reconciles records, so it can share the store with a running bot.
type Inspector struct {
	repos    *data.Repositories
	usecases *biz.Usecases
}

// NewInspector opens the store for reading
func NewInspector(ctx context.Context, cfg *conf.Config) (*Inspector, error) {
	repos, err := data.NewRepositories(cfg)
	if err != nil {
		return nil, err
	}

	in, err := newInspector(ctx, cfg, repos)
	if err != nil {
		_ = repos.Close()
		return nil, err
	}
	return in, nil
}

func newInspector(ctx context.Context, cfg *conf.Config, repos *data.Repositories) (*Inspector, error) {
	bootstrap := cfg.Bootstrap
	if bootstrap == nil {
		bootstrap = conf.DefaultBootstrapConfig()
	}

	identity := usecase.NewIdentityUsecase(repos.Store, bootstrap.DefaultLevel)
	if err := identity.LoadStored(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to load stored identities")
	}

	uc := &biz.Usecases{
		Router:   usecase.NewRouter(),
		Fanout:   usecase.NewFanoutEngine(repos.Store, repos.Feed, bootstrap.Delivery()),
		Identity: identity,
	}
	bot := service.NewBotService(uc.Router, identity, bootstrap.FloodInterval)
	defaults := bootstrap.DefaultServers(enabledPlatforms(cfg)...)
	if err := loadModules(bootstrap, repos, uc, bot, defaults); err != nil {
		return nil, err
	}

	return &Inspector{repos: repos, usecases: uc}, nil
}

// Usecases returns the read-only registries
func (in *Inspector) Usecases() *biz.Usecases {
	return in.usecases
}

// Close releases the store
func (in *Inspector) Close() error {
	return in.repos.Close()
}
