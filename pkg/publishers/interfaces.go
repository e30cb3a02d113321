package publishers

import (
	"context"
	"fmt"
)

// Publisher mirrors captured turns to one downstream sink (SQS, SNS, Pub/Sub, HTTP).
type Publisher interface {
	ID() string
	Type() string
	Publish(ctx context.Context, evt Event) error
}

// PublishError records which mirror rejected an event.
type PublishError struct {
	ID   string
	Type string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s publisher[%s]: %v", e.Type, e.ID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
