package apns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// APNs environments.
const (
	SandboxURL    = "https://api.sandbox.push.apple.com"
	ProductionURL = "https://api.push.apple.com"
)

// EnvironmentURL maps "sandbox"/"development" and "production" to their
// base URLs; any other value is taken to be a base URL already.
func EnvironmentURL(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "", "sandbox", "development":
		return SandboxURL
	case "production":
		return ProductionURL
	default:
		return strings.TrimRight(env, "/")
	}
}

// Priority is the apns-priority header value.
type Priority int

const (
	PriorityLow       Priority = 3
	PriorityNormal    Priority = 5
	PriorityImmediate Priority = 10
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityImmediate
}

// PushType is the apns-push-type header value.
type PushType string

const (
	PushTypeAlert        PushType = "alert"
	PushTypeBackground   PushType = "background"
	PushTypeVoIP         PushType = "voip"
	PushTypeComplication PushType = "complication"
	PushTypeFileProvider PushType = "fileprovider"
	PushTypeMDM          PushType = "mdm"
)

// PushTypes lists every supported push type.
var PushTypes = []PushType{
	PushTypeAlert,
	PushTypeBackground,
	PushTypeVoIP,
	PushTypeComplication,
	PushTypeFileProvider,
	PushTypeMDM,
}

func (t PushType) Valid() bool {
	for _, known := range PushTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultPayload is offered when no payload has been saved yet.
const DefaultPayload = `{
    "aps": {
        "alert" : {
            "title" : "Push message",
            "subtitle" : "Test push notification",
            "body" : "You can handle it or dismiss"
        },
        "badge": 6,
        "sound": "default"
    }
}`

// Notification holds the per-send fields shared by every device token.
type Notification struct {
	Topic      string
	Priority   Priority
	PushType   PushType
	CollapseID string
	Payload    string
}

// PushRequest is one outbound request for one device token. It is not
// modified after Build returns it.
type PushRequest struct {
	URL           string
	Token         string
	Topic         string
	Priority      Priority
	PushType      PushType
	CollapseID    string
	Body          []byte
	Authorization string
}

// HTTPRequest returns a new *http.Request for r.
func (r *PushRequest) HTTPRequest(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("apns-topic", r.Topic)
	req.Header.Set("apns-priority", strconv.Itoa(int(r.Priority)))
	req.Header.Set("apns-push-type", string(r.PushType))
	if r.CollapseID != "" {
		req.Header.Set("apns-collapse-id", r.CollapseID)
	}
	if r.Authorization != "" {
		req.Header.Set("authorization", r.Authorization)
	}
	return req, nil
}

// Builder turns a Notification into a PushRequest per device token.
type Builder struct {
	baseURL    string
	signatures *SignatureCache
}

// NewBuilder targets the environment base URL and takes bearer tokens from
// signatures in token mode.
func NewBuilder(baseURL string, signatures *SignatureCache) *Builder {
	return &Builder{baseURL: strings.TrimRight(baseURL, "/"), signatures: signatures}
}

// Build assembles the request for token. The payload is compacted; text
// that is not a JSON object or array fails with ErrInvalidPayload.
func (b *Builder) Build(token string, cred Credential, n Notification) (*PushRequest, error) {
	if n.Topic == "" {
		return nil, ErrTopicRequired
	}
	if !n.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, n.Priority)
	}
	if !n.PushType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPushType, n.PushType)
	}

	body, err := CompactPayload(n.Payload)
	if err != nil {
		return nil, err
	}

	req := &PushRequest{
		URL:        b.baseURL + "/3/device/" + url.PathEscape(token),
		Token:      token,
		Topic:      n.Topic,
		Priority:   n.Priority,
		PushType:   n.PushType,
		CollapseID: n.CollapseID,
		Body:       body,
	}

	switch c := cred.(type) {
	case *TokenCredential:
		b.signatures.Update(c.PrivateKeyPEM, c.KeyID, c.TeamID)
		signature, err := b.signatures.Signature()
		if err != nil {
			return nil, err
		}
		req.Authorization = "bearer " + signature
	case *CertificateCredential:
	default:
		return nil, ErrInvalidMode
	}
	return req, nil
}

// CompactPayload strips insignificant whitespace from a JSON payload.
func CompactPayload(payload string) ([]byte, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, ErrInvalidPayload
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return buf.Bytes(), nil
}
