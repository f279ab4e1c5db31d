package messaging

import (
	"context"
	"errors"
	"fmt"

	"signalcore/internal/models"
	"signalcore/internal/store"
)

// ErrMissingCredentials means the tenant has no usable bot for the role and channel type.
var ErrMissingCredentials = errors.New("missing bot credentials")

// CredentialResolver looks up the bot that posts to a tenant channel.
type CredentialResolver struct {
	store store.CredentialStore
}

func NewCredentialResolver(s store.CredentialStore) *CredentialResolver {
	return &CredentialResolver{store: s}
}

func (r *CredentialResolver) Resolve(ctx context.Context, tenantID, botRole, channelType string) (*models.BotCredential, error) {
	cred, err := r.store.Get(ctx, tenantID, botRole, channelType)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tenant %s role %s channel %q", ErrMissingCredentials, tenantID, botRole, channelType)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for tenant %s: %w", tenantID, err)
	}
	if cred.Token == "" || cred.ChannelID == "" {
		return nil, fmt.Errorf("%w: tenant %s role %s has an empty token or channel", ErrMissingCredentials, tenantID, botRole)
	}
	return cred, nil
}
