// Package publish pushes widget updates to external systems.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/kjstillabower/tank-level-service/internal/widget"
)

// Fanout delivers each update to every sink in order. One failing or
// panicking sink does not stop the others; their errors are joined.
type Fanout []widget.Sink

// Publish implements widget.Sink.
func (f Fanout) Publish(ctx context.Context, u widget.Update) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := publishOne(ctx, s, u); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func publishOne(ctx context.Context, s widget.Sink, u widget.Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %T panic: %v", s, r)
		}
	}()
	return s.Publish(ctx, u)
}
