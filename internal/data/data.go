package data

import (
	"time"

	"github.com/exastris/exastris/internal/biz/repo"
	"github.com/exastris/exastris/internal/conf"
)

// Repositories contains all repositories
type Repositories struct {
	Store   repo.DocumentStore
	Feed    repo.FeedRepo
	Title   repo.TitleRepo
	Chatter repo.ChatterRepo // nil when no API key is configured
}

// NewRepositories creates all repositories
func NewRepositories(cfg *conf.Config) (*Repositories, error) {
	store, err := NewDocumentStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Store:   store,
		Feed:    NewBlueskyRepo(cfg.BlueskyAPIHost, cfg.BlueskyJetstreamURL),
		Title:   NewTitleRepo(10 * time.Second),
		Chatter: NewChatterRepo(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel),
	}, nil
}

// Close releases the repositories
func (r *Repositories) Close() error {
	return r.Store.Close()
}
