package signinkit

import "sync"

// Event names published on the Bus. These mirror the lifecycle of the
// identity session and the refresh coordinator.
const (
	EventLoginSucceeded     = "login-succeeded"
	EventLoginFailed        = "login-failed"
	EventLogout             = "logout"
	EventTokenRefreshed     = "token-refreshed"
	EventTokenRefreshFailed = "token-refresh-failed"
	EventAuthStatusChanged  = "auth-status-changed"
	EventCredentialExpired  = "credential-expired"
	EventUserDataSaved      = "user-data-saved"
	EventUserDataCleared    = "user-data-cleared"
)

// Event is a named lifecycle notification with structured fields.
type Event struct {
	Name   string
	Fields map[string]any
}

// EventHandler consumes published events. Handlers run synchronously on the
// publisher's goroutine and must not block.
type EventHandler func(event Event)

type busSubscription struct {
	id      uint64
	name    string
	handler EventHandler
}

// Bus is a typed publish/subscribe channel for lifecycle events. It replaces
// the ambient document-level event bus of browser deployments with an
// explicit dependency.
type Bus struct {
	mutex         sync.Mutex
	nextID        uint64
	subscriptions []busSubscription
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the named event. An empty name subscribes
// to every event. The returned function cancels the subscription.
func (bus *Bus) Subscribe(name string, handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}
	bus.mutex.Lock()
	defer bus.mutex.Unlock()
	bus.nextID++
	subscriptionID := bus.nextID
	bus.subscriptions = append(bus.subscriptions, busSubscription{
		id:      subscriptionID,
		name:    name,
		handler: handler,
	})
	return func() {
		bus.mutex.Lock()
		defer bus.mutex.Unlock()
		for index, subscription := range bus.subscriptions {
			if subscription.id == subscriptionID {
				bus.subscriptions = append(bus.subscriptions[:index], bus.subscriptions[index+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to all matching subscribers.
func (bus *Bus) Publish(name string, fields map[string]any) {
	if bus == nil {
		return
	}
	bus.mutex.Lock()
	matched := make([]EventHandler, 0, len(bus.subscriptions))
	for _, subscription := range bus.subscriptions {
		if subscription.name == "" || subscription.name == name {
			matched = append(matched, subscription.handler)
		}
	}
	bus.mutex.Unlock()

	event := Event{Name: name, Fields: fields}
	for _, handler := range matched {
		handler(event)
	}
}
