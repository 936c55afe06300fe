package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type UserID string
type CallID string
type ConversationID string

// NewCallID returns an initiator-generated call identifier of the form
// {unix-millis}-{random}.
func NewCallID() CallID {
	return newCallIDAt(time.Now())
}

func newCallIDAt(t time.Time) CallID {
	random := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	return CallID(fmt.Sprintf("%d-%s", t.UnixMilli(), random))
}

func (id UserID) String() string {
	return string(id)
}

func (id CallID) String() string {
	return string(id)
}

func (id ConversationID) String() string {
	return string(id)
}
