package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// CallRouteRepository stores routes as JSON values under callroute:<callId>
// with a TTL, so routes of abandoned calls disappear on their own.
type CallRouteRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCallRouteRepository(client *redis.Client, ttl time.Duration) *CallRouteRepository {
	return &CallRouteRepository{client: client, ttl: ttl}
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return client, nil
}

func routeKey(callID domain.CallID) string {
	return fmt.Sprintf("callroute:%s", callID)
}

func (r *CallRouteRepository) Save(ctx context.Context, route domain.CallRoute) error {
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now()
	}
	data, err := json.Marshal(route)
	if err != nil {
		return fmt.Errorf("failed to marshal call route: %w", err)
	}
	if err := r.client.Set(ctx, routeKey(route.CallID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save call route: %w", err)
	}
	return nil
}

func (r *CallRouteRepository) Get(ctx context.Context, callID domain.CallID) (domain.CallRoute, error) {
	data, err := r.client.Get(ctx, routeKey(callID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CallRoute{}, domain.ErrRouteNotFound
		}
		return domain.CallRoute{}, fmt.Errorf("failed to get call route: %w", err)
	}

	var route domain.CallRoute
	if err := json.Unmarshal(data, &route); err != nil {
		return domain.CallRoute{}, fmt.Errorf("failed to unmarshal call route: %w", err)
	}
	return route, nil
}

func (r *CallRouteRepository) Delete(ctx context.Context, callID domain.CallID) error {
	if err := r.client.Del(ctx, routeKey(callID)).Err(); err != nil {
		return fmt.Errorf("failed to delete call route: %w", err)
	}
	return nil
}
