package session

import (
	"time"

	"apns-pusher/apns"
)

type EventType string

const (
	EventStatus     EventType = "status"
	EventTokenState EventType = "token_state"
)

// Event is a change the operator should see: a device token's delivery
// state or the status line.
type Event struct {
	Type    EventType          `json:"type"`
	Token   string             `json:"token,omitempty"`
	State   apns.DeliveryState `json:"state,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Message string             `json:"message,omitempty"`
	Error   bool               `json:"error,omitempty"`
	Time    time.Time          `json:"time"`
}

// Notifier receives session events. Notify is called from the goroutine
// running the operation, one event at a time per operation.
type Notifier interface {
	Notify(ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
