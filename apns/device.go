package apns

import (
	"encoding/json"
	"sync"
)

// DeliveryState is the per-token result of the latest send.
type DeliveryState int

const (
	Unsent DeliveryState = iota
	Pending
	Delivered
	Failed
)

func (s DeliveryState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "unsent"
	}
}

func (s DeliveryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// DeviceToken is one target device. Token and Selected belong to whoever
// owns the list and are guarded by the owner's lock; the delivery state is
// only written by the Dispatcher.
type DeviceToken struct {
	Token    string
	Selected bool

	mu    sync.Mutex
	state DeliveryState
}

// NewDeviceToken returns a selected token that has not been sent to yet.
func NewDeviceToken(token string) *DeviceToken {
	return &DeviceToken{Token: token, Selected: true}
}

// State returns the current delivery state.
func (d *DeviceToken) State() DeliveryState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DeviceToken) setState(s DeliveryState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

type deviceTokenEntry struct {
	Token    string `json:"token"`
	Selected bool   `json:"selected"`
}

// MarshalJSON writes the compact persisted form {"token":..,"selected":..}.
// The delivery state is not persisted.
func (d *DeviceToken) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceTokenEntry{Token: d.Token, Selected: d.Selected})
}

func (d *DeviceToken) UnmarshalJSON(data []byte) error {
	var entry deviceTokenEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}
	d.Token = entry.Token
	d.Selected = entry.Selected
	return nil
}

// DeviceTokenFromJSON decodes one persisted entry. Malformed input yields an
// empty, unselected token rather than an error.
func DeviceTokenFromJSON(entry string) *DeviceToken {
	d := &DeviceToken{}
	if err := json.Unmarshal([]byte(entry), d); err != nil {
		return &DeviceToken{}
	}
	return d
}

// ToJSON encodes the token in its persisted form.
func (d *DeviceToken) ToJSON() string {
	b, err := d.MarshalJSON()
	if err != nil {
		return ""
	}
	return string(b)
}
