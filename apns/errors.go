package apns

import "errors"

// Validation failures abort a send before any network call.
var (
	ErrTopicRequired     = errors.New("topic required")
	ErrNoDeviceTokens    = errors.New("device token required")
	ErrInvalidPriority   = errors.New("priority must be 3, 5 or 10")
	ErrInvalidPushType   = errors.New("unsupported push type")
	ErrInvalidMode       = errors.New("unknown connection mode")
	ErrInvalidIdentifier = errors.New("key ID and team ID must be 10 characters")
)

// Credential failures: unreadable or malformed key material.
var (
	ErrKeyFileRequired         = errors.New("signing key file required")
	ErrKeyFileUnreadable       = errors.New("unable to open signing key file")
	ErrInvalidKeyFormat        = errors.New("invalid signing key file")
	ErrSigningFailed           = errors.New("unable to sign provider token")
	ErrCertificateFileRequired = errors.New("certificate file required")
	ErrCertificateUnreadable   = errors.New("unable to open certificate file")
	ErrInvalidCertificate      = errors.New("invalid certificate file")
	ErrIdentityCreationFailed  = errors.New("unable to create identity with certificate")
)

var ErrInvalidPayload = errors.New("invalid payload format")

var ErrUntrustedServer = errors.New("server trust could not be established")

// Kind groups errors by how far they reach: the first three abort a whole
// send, Transport and Server are scoped to a single device token.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCredential
	KindPayload
	KindTransport
	KindServer
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCredential:
		return "credential"
	case KindPayload:
		return "payload"
	case KindTransport:
		return "transport"
	case KindServer:
		return "server"
	default:
		return "unknown"
	}
}

var kinds = map[error]Kind{
	ErrTopicRequired:           KindValidation,
	ErrNoDeviceTokens:          KindValidation,
	ErrInvalidPriority:         KindValidation,
	ErrInvalidPushType:         KindValidation,
	ErrInvalidMode:             KindValidation,
	ErrInvalidIdentifier:       KindValidation,
	ErrKeyFileRequired:         KindCredential,
	ErrKeyFileUnreadable:       KindCredential,
	ErrInvalidKeyFormat:        KindCredential,
	ErrSigningFailed:           KindCredential,
	ErrCertificateFileRequired: KindCredential,
	ErrCertificateUnreadable:   KindCredential,
	ErrInvalidCertificate:      KindCredential,
	ErrIdentityCreationFailed:  KindCredential,
	ErrInvalidPayload:          KindPayload,
	ErrUntrustedServer:         KindTransport,
}

// KindOf classifies err by the sentinel it wraps.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
