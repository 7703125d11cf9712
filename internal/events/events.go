// Package events carries the one-shot "navigate to URL" signal from the reconciler to
// the launcher UI over an in-process event bus.
package events

import (
	"fmt"

	"github.com/asaskevich/EventBus"
)

// TopicNavigate is published once per cycle when prepare returns a return URL.
const TopicNavigate = "transaction:navigate"

// NavigateEvent asks the launcher to open the processor's app at URL.
type NavigateEvent struct {
	TransactionID string `json:"transaction_id"`
	URL           string `json:"url"`
}

// BusNavigator publishes navigate events on a bus.
type BusNavigator struct {
	bus EventBus.Bus
}

// NewBusNavigator wraps bus. A nil bus gets a private one.
func NewBusNavigator(bus EventBus.Bus) *BusNavigator {
	if bus == nil {
		bus = EventBus.New()
	}
	return &BusNavigator{bus: bus}
}

// Navigate publishes ev synchronously to every subscriber.
func (n *BusNavigator) Navigate(ev NavigateEvent) {
	n.bus.Publish(TopicNavigate, ev)
}

// Subscribe registers fn for navigate events. The returned func unsubscribes it.
func (n *BusNavigator) Subscribe(fn func(NavigateEvent)) (func(), error) {
	if err := n.bus.Subscribe(TopicNavigate, fn); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicNavigate, err)
	}
	return func() {
		_ = n.bus.Unsubscribe(TopicNavigate, fn)
	}, nil
}
