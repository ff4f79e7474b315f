package navigator

import (
	"context"
	"fmt"
	"time"
)

const (
	// DefaultTimeout bounds how long a navigation may take to reach
	// load completion
	DefaultTimeout = 60 * time.Second
	// DefaultSettleDelay gives in-page scripts a moment to initialize
	// after the load event before the navigation is considered done
	DefaultSettleDelay = 250 * time.Millisecond
)

// LifecycleEvent is one update from a tab's load lifecycle
type LifecycleEvent struct {
	TabID  string
	Status string
}

// LifecycleComplete marks a tab that finished loading
const LifecycleComplete = "complete"

// Driver exposes the browser's tab-update and lifecycle-event primitives
type Driver interface {
	// Update issues the navigation command for the tab
	Update(ctx context.Context, tabID, url string) error
	// Lifecycle subscribes to the lifecycle event stream for all tabs.
	// The returned cancel func must release the subscription.
	Lifecycle() (<-chan LifecycleEvent, func())
}

// Navigator drives a tab to a URL and waits for its load lifecycle to
// reach completion.
type Navigator struct {
	driver  Driver
	timeout time.Duration
	settle  time.Duration
}

// New creates a navigator with the default timeout and settle delay
func New(driver Driver) *Navigator {
	return &Navigator{
		driver:  driver,
		timeout: DefaultTimeout,
		settle:  DefaultSettleDelay,
	}
}

// Navigate drives tabID to url and returns once the tab reports load
// completion plus a short settle delay. The lifecycle subscription is
// installed before the navigation command and released on every path.
func (n *Navigator) Navigate(ctx context.Context, tabID, url string) error {
	events, cancel := n.driver.Lifecycle()
	defer cancel()

	if err := n.driver.Update(ctx, tabID, url); err != nil {
		return fmt.Errorf("failed to navigate tab %s: %w", tabID, err)
	}

	deadline := time.NewTimer(n.timeout)
	defer deadline.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("lifecycle stream closed while navigating tab %s", tabID)
			}
			if ev.TabID != tabID || ev.Status != LifecycleComplete {
				continue
			}
			select {
			case <-time.After(n.settle):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-deadline.C:
			return fmt.Errorf("navigation timeout after %s for tab %s", n.timeout, tabID)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
