package repo

import "context"

// TitleRepo fetches page titles
type TitleRepo interface {
	// FetchTitle returns the cleaned <title> of an http(s) page, or "" if it has none
	FetchTitle(ctx context.Context, url string) (string, error)
}

// ChatterRepo produces conversational replies
type ChatterRepo interface {
	// Reply answers message from nickname
	Reply(ctx context.Context, botName, nickname, message string) (string, error)
}
