package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/exastris/exastris/internal/biz"
	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/conf"
	"github.com/exastris/exastris/internal/data"
	"github.com/exastris/exastris/internal/errors"
	"github.com/exastris/exastris/internal/infra/discord"
	"github.com/exastris/exastris/internal/infra/feishu"
	"github.com/exastris/exastris/internal/logger"
	"github.com/exastris/exastris/internal/service"
)

const (
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 5 * time.Minute

	// The feed starts without a transport that has not registered by then
	feedStartTimeout = 30 * time.Second
)

// TransportFactory opens the chat transport for a stored server
type TransportFactory func(server domain.Server) (repo.ChatTransport, error)

// App owns every long-lived object of the bot
type App struct {
	cfg        *conf.Config
	repos      *data.Repositories
	usecases   *biz.Usecases
	bot        *service.BotService
	chat       *ChatServer
	transports []repo.ChatTransport
	log        *zap.SugaredLogger
}

// NewApp opens the store and builds the bot from cfg
func NewApp(ctx context.Context, cfg *conf.Config) (*App, error) {
	repos, err := data.NewRepositories(cfg)
	if err != nil {
		return nil, err
	}

	app, err := newApp(ctx, cfg, repos, platformTransports(cfg))
	if err != nil {
		_ = repos.Close()
		return nil, err
	}
	return app, nil
}

// platformTransports opens Feishu and Discord transports with the configured credentials
func platformTransports(cfg *conf.Config) TransportFactory {
	return func(server domain.Server) (repo.ChatTransport, error) {
		switch server.Platform {
		case domain.PlatformFeishu:
			return feishu.NewTransport(cfg.FeishuAppID, cfg.FeishuAppSecret, server), nil
		case domain.PlatformDiscord:
			return discord.NewTransport(cfg.DiscordToken, server)
		default:
			return nil, errors.Newf("unsupported platform %q", server.Platform)
		}
	}
}

// enabledPlatforms lists the platforms with credentials configured
func enabledPlatforms(cfg *conf.Config) []domain.Platform {
	var out []domain.Platform
	if cfg.FeishuEnabled() {
		out = append(out, domain.PlatformFeishu)
	}
	if cfg.DiscordEnabled() {
		out = append(out, domain.PlatformDiscord)
	}
	return out
}

func newApp(ctx context.Context, cfg *conf.Config, repos *data.Repositories, openTransport TransportFactory) (*App, error) {
	bootstrap := cfg.Bootstrap
	if bootstrap == nil {
		bootstrap = conf.DefaultBootstrapConfig()
	}
	log := logger.Named("app")
	platforms := enabledPlatforms(cfg)
	defaults := bootstrap.DefaultServers(platforms...)

	identity := usecase.NewIdentityUsecase(repos.Store, bootstrap.DefaultLevel)
	servers, err := identity.LoadServers(ctx, defaults)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load servers")
	}

	// A platform enabled after the first run still needs a server record
	for _, p := range platforms {
		if hasPlatform(servers, p) {
			continue
		}
		for _, s := range defaults {
			if s.Platform != p {
				continue
			}
			log.Infow("Adding server for newly enabled platform", "platform", p, "server", s.Identifier())
			if _, err := identity.SaveServer(ctx, s, domain.SystemOrigin); err != nil {
				return nil, errors.Wrap(err, "failed to add server")
			}
		}
	}

	if err := identity.LoadUsers(ctx, bootstrap.Admin()); err != nil {
		return nil, errors.Wrap(err, "failed to load users")
	}

	uc := &biz.Usecases{
		Router:   usecase.NewRouter(),
		Fanout:   usecase.NewFanoutEngine(repos.Store, repos.Feed, bootstrap.Delivery()),
		Identity: identity,
	}
	bot := service.NewBotService(uc.Router, identity, bootstrap.FloodInterval)

	app := &App{
		cfg:      cfg,
		repos:    repos,
		usecases: uc,
		bot:      bot,
		chat:     NewChatServer(bot, identity),
		log:      log,
	}

	enabled := make(map[domain.Platform]bool, len(platforms))
	for _, p := range platforms {
		enabled[p] = true
	}
	for _, s := range identity.Servers() {
		if !enabled[s.Platform] {
			log.Debugw("Skipping server without credentials", "server", s.Identifier(), "platform", s.Platform)
			continue
		}
		t, err := openTransport(s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open transport for %s", s.Identifier())
		}
		bot.AddTransport(t)
		app.transports = append(app.transports, t)
	}

	if err := loadModules(bootstrap, repos, uc, bot, defaults); err != nil {
		return nil, err
	}
	uc.Fanout.SetDelivery(bot.SayToDestination)

	return app, nil
}

// loadModules registers the configured feature modules on uc's router
func loadModules(bootstrap *conf.BootstrapConfig, repos *data.Repositories, uc *biz.Usecases, bot *service.BotService, defaults []domain.Server) error {
	defaultChannels := make(map[string][]string, len(defaults))
	for _, s := range defaults {
		for name := range s.Channels {
			defaultChannels[s.Identifier()] = append(defaultChannels[s.Identifier()], name)
		}
	}

	host := &service.Host{Router: uc.Router, Fanout: uc.Fanout, Identity: uc.Identity, Bot: bot}
	modules := service.Modules(bootstrap, service.ModuleDeps{
		Title:           repos.Title,
		Chatter:         repos.Chatter,
		DefaultChannels: defaultChannels,
	})
	return service.LoadModules(host, modules)
}

func hasPlatform(servers []domain.Server, p domain.Platform) bool {
	for _, s := range servers {
		if s.Platform == p {
			return true
		}
	}
	return false
}

// Usecases returns the registries the app was built with
func (a *App) Usecases() *biz.Usecases {
	return a.usecases
}

// Run starts every transport, then the feed once the transports have registered,
// and blocks until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.log.Infow("Starting", "transports", len(a.transports))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.awaitRegistered(gctx, feedStartTimeout)
		if gctx.Err() != nil {
			return nil
		}
		if err := a.usecases.Fanout.Start(gctx); err != nil {
			return errors.Wrap(err, "failed to start feed")
		}
		a.log.Infow("Feed started", "watching", len(a.usecases.Fanout.Watching()))
		return nil
	})
	g.Go(func() error {
		a.bot.Run(gctx)
		return nil
	})
	for _, t := range a.transports {
		t := t
		g.Go(func() error {
			a.runTransport(gctx, t)
			return nil
		})
	}

	err := g.Wait()
	a.shutdown()
	return err
}

// awaitRegistered waits until every transport has registered at least once
func (a *App) awaitRegistered(ctx context.Context, timeout time.Duration) {
	pending := make(map[string]bool, len(a.transports))
	for _, t := range a.transports {
		pending[t.ServerID()] = true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			a.log.Warnw("Starting feed before every transport registered", "pending", len(pending))
			return
		case id := <-a.chat.Registered():
			delete(pending, id)
		}
	}
}

// runTransport keeps one transport connected, backing off between attempts
func (a *App) runTransport(ctx context.Context, t repo.ChatTransport) {
	delay := reconnectDelay
	for {
		started := time.Now()
		err := t.Start(ctx, a.chat)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxReconnectDelay {
			delay = reconnectDelay
		}
		a.log.Warnw("Transport stopped, reconnecting", "server", t.ServerID(), "error", err, "delay", delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (a *App) shutdown() {
	a.log.Infow("Shutting down")
	a.usecases.Fanout.Stop()
	for _, t := range a.transports {
		t.Stop()
	}
}

// Close releases the store
func (a *App) Close() error {
	return a.repos.Close()
}
