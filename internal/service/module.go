package service

import (
	"context"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/conf"
)

// FeatureModule registers commands and generic handlers with the router
type FeatureModule interface {
	Name() string
	OnLoad(h *Host) error
}

// Host is what a feature module can reach while it registers and runs
type Host struct {
	Router   *usecase.Router
	Fanout   *usecase.FanoutEngine
	Identity *usecase.IdentityUsecase
	Bot      *BotService
}

// Reply answers the requester of req
func (h *Host) Reply(ctx context.Context, req *domain.Request, text string) error {
	return h.Bot.Reply(ctx, req, text)
}

// ModuleDeps are the collaborators the static module list is built from
type ModuleDeps struct {
	Title           repo.TitleRepo
	Chatter         repo.ChatterRepo
	DefaultChannels map[string][]string // server identifier -> configured channels
}

// Modules returns the feature modules enabled in cfg, in registration order.
// Chatter is last so it only sees messages nothing else consumed.
func Modules(cfg *conf.BootstrapConfig, deps ModuleDeps) []FeatureModule {
	var modules []FeatureModule
	if cfg.ModuleEnabled(conf.ModuleChannels) {
		modules = append(modules, NewChannelsModule(deps.DefaultChannels))
	}
	if cfg.ModuleEnabled(conf.ModuleFeed) {
		modules = append(modules, NewFeedModule())
	}
	if cfg.ModuleEnabled(conf.ModuleHelp) {
		modules = append(modules, NewHelpModule())
	}
	if cfg.ModuleEnabled(conf.ModuleURLTitle) && deps.Title != nil {
		modules = append(modules, NewURLTitleModule(deps.Title))
	}
	if cfg.ModuleEnabled(conf.ModuleChatter) && deps.Chatter != nil {
		modules = append(modules, NewChatterModule(deps.Chatter))
	}
	return modules
}

// LoadModules calls OnLoad on every module, stopping at the first failure
func LoadModules(h *Host, modules []FeatureModule) error {
	for _, m := range modules {
		if err := m.OnLoad(h); err != nil {
			return err
		}
		h.Bot.log.Infow("Module loaded", "module", m.Name())
	}
	return nil
}
