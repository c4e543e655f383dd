package widget

import (
	"context"
	"fmt"
)

// Set holds the configured controllers in configuration order.
type Set struct {
	order []*Controller
	byID  map[string]*Controller
}

// NewSet indexes controllers by tank id. Duplicate ids are an error.
func NewSet(controllers ...*Controller) (*Set, error) {
	s := &Set{byID: make(map[string]*Controller, len(controllers))}
	for _, c := range controllers {
		if _, dup := s.byID[c.ID()]; dup {
			return nil, fmt.Errorf("widget: duplicate tank %q", c.ID())
		}
		s.byID[c.ID()] = c
		s.order = append(s.order, c)
	}
	return s, nil
}

// Get returns the controller for tank id.
func (s *Set) Get(id string) (*Controller, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// All returns controllers in configuration order.
func (s *Set) All() []*Controller {
	return append([]*Controller(nil), s.order...)
}

// Start starts every controller. On error the ones already started are stopped.
func (s *Set) Start(ctx context.Context) error {
	for i, c := range s.order {
		if err := c.Start(ctx); err != nil {
			for _, started := range s.order[:i] {
				started.Stop()
			}
			return fmt.Errorf("start %s: %w", c.ID(), err)
		}
	}
	return nil
}

// Stop stops every controller and waits for their loops.
func (s *Set) Stop() {
	for _, c := range s.order {
		c.Stop()
	}
}
