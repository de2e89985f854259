// internal/types/ids.go
package types

import "github.com/google/uuid"

type ThreadID string
type InteractionID string
type ItemID string
type MessageID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewInteractionID() InteractionID {
	return InteractionID(uuid.New().String())
}

func NewItemID() ItemID {
	return ItemID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}
