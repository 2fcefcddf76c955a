package service

import (
	"context"
	"strings"
	"unicode"

	"github.com/exastris/exastris/internal/biz/domain"
	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/biz/usecase"
	"github.com/exastris/exastris/internal/errors"
)

// ChatterModule answers addressed messages that nothing else handled
type ChatterModule struct {
	host    *Host
	chatter repo.ChatterRepo
}

// NewChatterModule creates the chatter module
func NewChatterModule(chatter repo.ChatterRepo) *ChatterModule {
	return &ChatterModule{chatter: chatter}
}

// Name returns the module name
func (m *ChatterModule) Name() string { return "chatter" }

// OnLoad registers the chatter fallback at the end of the generic chain
func (m *ChatterModule) OnLoad(h *Host) error {
	m.host = h
	h.Router.RegisterGeneric("Chat back when spoken to.", m.handleChatter, usecase.WithAddressRequired())
	return nil
}

// withoutAddress drops the leading address word of an addressed message
func withoutAddress(req *domain.Request) string {
	text := strings.TrimSpace(req.Text)
	if !req.Addressed {
		return text
	}
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		return strings.TrimSpace(text[i:])
	}
	return ""
}

func (m *ChatterModule) handleChatter(ctx context.Context, req *domain.Request) (domain.HandleResult, error) {
	message := withoutAddress(req)
	if message == "" {
		return domain.PassThrough, nil
	}

	reply, err := m.chatter.Reply(ctx, m.host.Bot.Nickname(req.Server.Identifier()), req.Source, message)
	if err != nil {
		return domain.Consumed, errors.Wrap(err, "chatter reply")
	}
	if reply == "" {
		return domain.Consumed, nil
	}
	return domain.Consumed, m.host.Reply(ctx, req, reply)
}
