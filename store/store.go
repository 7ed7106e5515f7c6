package store

import (
	"time"

	"apns-pusher/apns"
)

// Settings keys, one row each in the settings table.
const (
	KeyConnectionMode  = "connectionMode"
	KeyP8File          = "p8File"
	KeyKeyID           = "keyID"
	KeyTeamID          = "teamID"
	KeyCertificateFile = "certificateFile"
	KeyDeviceTokens    = "deviceTokens"
	KeyPriority        = "priority"
	KeyCollapseID      = "collapseID"
	KeyTopic           = "topic"
	KeyPayloadType     = "payloadType"
	KeyAPIPath         = "apiPath"
	KeyPayload         = "payload"
)

// Settings is everything the sender form remembers between runs.
type Settings struct {
	ConnectionMode  string   `json:"connectionMode"`
	P8File          string   `json:"p8File"`
	KeyID           string   `json:"keyID"`
	TeamID          string   `json:"teamID"`
	CertificateFile string   `json:"certificateFile"`
	DeviceTokens    []string `json:"deviceTokens"` // one JSON-encoded DeviceToken per entry
	Priority        int      `json:"priority"`
	CollapseID      string   `json:"collapseID"`
	Topic           string   `json:"topic"`
	PayloadType     string   `json:"payloadType"`
	APIPath         string   `json:"apiPath"`
	Payload         string   `json:"payload"`
}

// DefaultSettings is what a fresh database loads.
func DefaultSettings() *Settings {
	return &Settings{
		ConnectionMode: apns.ModeToken.String(),
		DeviceTokens:   []string{},
		Priority:       int(apns.PriorityNormal),
		PayloadType:    string(apns.PushTypeAlert),
		APIPath:        apns.SandboxURL,
		Payload:        apns.DefaultPayload,
	}
}

// Delivery is one recorded per-token outcome.
type Delivery struct {
	ID         int64     `json:"id"`
	Token      string    `json:"token"`
	Topic      string    `json:"topic"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	StatusCode int       `json:"status_code"`
	APNsID     string    `json:"apns_id,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

type User struct {
	Username     string
	PasswordHash string
	Role         string
}

type Store interface {
	// Settings
	LoadSettings() (*Settings, error)
	SaveSettings(s *Settings) error

	// Delivery history
	RecordDelivery(d Delivery) (int64, error)
	RecentDeliveries(limit int) ([]Delivery, error)
	GetDeliveryCount() (int64, error)

	// Users
	CreateUser(username, passwordHash, role string) error
	GetUser(username string) (*User, error)
	HasAdminUser() (bool, error)
	UpdateUserRole(username, role string) error

	Close() error
}
