package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// RelayGateway pushes signals to connected users.
type RelayGateway interface {
	Deliver(ctx context.Context, to domain.UserID, signal domain.Signal) error
	IsOnline(user domain.UserID) bool
}
