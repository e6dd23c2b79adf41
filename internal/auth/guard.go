package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/matthewcorven/synckit-sub003/internal/protocol"
)

// Guard sits between the dispatcher and the rest of the core: it resolves
// AUTH frames into Subjects and answers read/write checks afterwards.
type Guard struct {
	validator TokenValidator
	required  bool
}

// NewGuard wraps a validator. When required is false every connection is
// implicitly authorized with admin (read+write-all) permissions and AUTH
// frames become optional.
func NewGuard(validator TokenValidator, required bool) *Guard {
	return &Guard{validator: validator, required: required}
}

// Required reports whether connections must AUTH before anything else.
func (g *Guard) Required() bool { return g.required }

// ErrNoCredentials is returned when an AUTH frame carries neither a token
// nor an API key.
var ErrNoCredentials = errors.New("auth frame carries no credentials")

// Authenticate resolves the credentials on an auth frame. Token is tried
// first, then API key.
func (g *Guard) Authenticate(ctx context.Context, msg *protocol.Message) (*Subject, error) {
	switch {
	case msg.Token != "":
		sub, err := g.validator.ValidateToken(ctx, msg.Token)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		return sub, nil
	case msg.APIKey != "":
		sub, err := g.validator.ValidateAPIKey(ctx, msg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("api key: %w", err)
		}
		return sub, nil
	default:
		return nil, ErrNoCredentials
	}
}

// Anonymous returns the implicit subject used when auth is disabled.
func (g *Guard) Anonymous(clientID string) *Subject {
	return &Subject{
		UserID:      "anonymous",
		ClientID:    clientID,
		Permissions: Permissions{IsAdmin: true},
	}
}

// CanRead checks document read access for an authenticated subject.
func (g *Guard) CanRead(sub *Subject, docID string) bool {
	return sub != nil && sub.Permissions.AllowsRead(docID)
}

// CanWrite checks document write access for an authenticated subject.
func (g *Guard) CanWrite(sub *Subject, docID string) bool {
	return sub != nil && sub.Permissions.AllowsWrite(docID)
}
