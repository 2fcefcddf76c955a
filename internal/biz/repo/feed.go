package repo

import (
	"context"

	"github.com/exastris/exastris/internal/biz/domain"
)

// FeedHandler receives events from an open feed stream
type FeedHandler struct {
	OnEvent func(ctx context.Context, ev domain.FeedEvent)
	OnError func(err error)
}

// FeedStream is an open upstream subscription
type FeedStream interface {
	// Stop closes the stream and waits for its read loop to exit
	Stop()
}

// FeedRepo is the upstream social feed interface
type FeedRepo interface {
	// LookupIdentity resolves a handle; errors are marked ErrNotFound or ErrTransient
	LookupIdentity(ctx context.Context, handle string) (*domain.FeedIdentity, error)

	// Subscribe opens a stream delivering posts by exactly the given account ids
	Subscribe(ctx context.Context, ids []string, handler FeedHandler) (FeedStream, error)
}
