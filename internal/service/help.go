package service

import (
	"context"
	"strings"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/errors"
)

// HelpModule lists the commands a requester may use
type HelpModule struct {
	host *Host
}

// NewHelpModule creates the help module
func NewHelpModule() *HelpModule {
	return &HelpModule{}
}

// Name returns the module name
func (m *HelpModule) Name() string { return "help" }

// OnLoad registers the help command
func (m *HelpModule) OnLoad(h *Host) error {
	m.host = h
	if !h.Router.Register("help", domain.LevelDefault, "help - List the commands you can use.", m.handleHelp) {
		return errors.New("help: failed to register")
	}
	return nil
}

func (m *HelpModule) handleHelp(ctx context.Context, req *domain.Request) error {
	commands := m.host.Router.Commands(req.User.Level)

	lines := make([]string, 0, len(commands)+1)
	lines = append(lines, "Here's what I can do for you:")
	for _, c := range commands {
		lines = append(lines, c.Description)
	}
	return m.host.Reply(ctx, req, strings.Join(lines, "\n"))
}
