package sync2

import (
	"context"

	"github.com/matrix-org/clientsync/internal"
)

// ProfileFetcher looks up user profiles with the current session.
type ProfileFetcher struct {
	client Client
	tokens TokenSource
}

func NewProfileFetcher(client Client, tokens TokenSource) *ProfileFetcher {
	return &ProfileFetcher{
		client: client,
		tokens: tokens,
	}
}

func (f *ProfileFetcher) Profile(ctx context.Context, userID string) (internal.Contact, error) {
	token, err := f.tokens.AccessToken(ctx)
	if err != nil {
		return internal.Contact{}, err
	}
	return f.client.Profile(ctx, token, userID)
}
