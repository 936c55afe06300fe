package ws

import (
	"github.com/Wyydra/yacall/internal/adapter/wire"
	"github.com/Wyydra/yacall/internal/core/domain"
)

// Client is one live signaling connection of a user.
type Client interface {
	ID() domain.UserID
	Send(env wire.Envelope) error
	Close() error
}
