package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CallRouteRepository keeps routes in process. Expired routes are dropped
// when read and swept on every save.
type CallRouteRepository struct {
	mu     sync.Mutex
	routes map[domain.CallID]domain.CallRoute
	ttl    time.Duration
	now    func() time.Time
}

// NewCallRouteRepository returns a repository whose routes expire ttl after
// creation. A zero ttl keeps them until deleted.
func NewCallRouteRepository(ttl time.Duration) *CallRouteRepository {
	return &CallRouteRepository{
		routes: make(map[domain.CallID]domain.CallRoute),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (r *CallRouteRepository) Save(ctx context.Context, route domain.CallRoute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if route.CreatedAt.IsZero() {
		route.CreatedAt = now
	}
	r.sweep(now)
	r.routes[route.CallID] = route
	return nil
}

func (r *CallRouteRepository) Get(ctx context.Context, callID domain.CallID) (domain.CallRoute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	route, ok := r.routes[callID]
	if !ok {
		return domain.CallRoute{}, domain.ErrRouteNotFound
	}
	if r.expired(route, r.now()) {
		delete(r.routes, callID)
		return domain.CallRoute{}, domain.ErrRouteNotFound
	}
	return route, nil
}

func (r *CallRouteRepository) Delete(ctx context.Context, callID domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, callID)
	return nil
}

func (r *CallRouteRepository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routes)
}

func (r *CallRouteRepository) expired(route domain.CallRoute, now time.Time) bool {
	return r.ttl > 0 && now.Sub(route.CreatedAt) >= r.ttl
}

// sweep drops expired routes. Callers hold mu.
func (r *CallRouteRepository) sweep(now time.Time) {
	if r.ttl <= 0 {
		return
	}
	for id, route := range r.routes {
		if r.expired(route, now) {
			delete(r.routes, id)
		}
	}
}
