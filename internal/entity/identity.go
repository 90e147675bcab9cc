package entity

import "context"

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IdentityVerifier validates a client supplied token against the external
// identity collaborator. A non-nil error means the connection must be
// rejected before any registry state is created.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
