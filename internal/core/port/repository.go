package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CallRouteRepository stores the parties of calls the relay is routing.
// Get returns domain.ErrRouteNotFound for unknown or expired routes.
type CallRouteRepository interface {
	Save(ctx context.Context, route domain.CallRoute) error
	Get(ctx context.Context, callID domain.CallID) (domain.CallRoute, error)
	Delete(ctx context.Context, callID domain.CallID) error
}
