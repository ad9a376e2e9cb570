package interfaces

import (
	"context"

	"campuschat/pkg/types"
)

// IdentityVerifier turns a transport credential into a verified identity.
// Called once per connection at handshake time.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (types.Identity, error)
}
