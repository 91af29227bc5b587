package transport

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// ErrNoDestination is returned when a category has no configured chat.
var ErrNoDestination = errors.New("destination not configured")

// Destination is a broadcast target: a chat and an optional forum topic.
type Destination struct {
	ChatID   int64
	ThreadID int
}

func (d Destination) IsZero() bool { return d.ChatID == 0 }

// String is the stable channel key recorded in an item's sent_channels.
func (d Destination) String() string {
	return "tg:" + strconv.FormatInt(d.ChatID, 10) + "/" + strconv.Itoa(d.ThreadID)
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// PartialSendError reports a message split into parts where at least one part
// reached the chat before a later one failed. The message is visible, so it
// must never be sent again from the start.
type PartialSendError struct {
	First     MessageRef
	Delivered int
	Parts     int
	Err       error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("sent %d of %d parts: %v", e.Delivered, e.Parts, e.Err)
}

func (e *PartialSendError) Unwrap() error { return e.Err }

// Sender delivers one formatted message. Besides context deadlines, callers
// check for *PartialSendError: any other error means nothing was delivered.
type Sender interface {
	Send(ctx context.Context, to Destination, text string, opt *SendOptions) (MessageRef, error)
}
