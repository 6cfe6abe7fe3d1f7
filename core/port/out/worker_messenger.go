package out

import "context"

// Messenger delivers a text message to a user over the chat transport.
type Messenger interface {
	SendText(ctx context.Context, userID, text string) error
}
