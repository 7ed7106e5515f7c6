package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"apns-pusher/apns"
	"apns-pusher/metrics"
	"apns-pusher/store"
)

// Status is the single human-readable line shown to the operator.
type Status struct {
	Message string `json:"message"`
	Error   bool   `json:"error"`
}

const (
	StatusReady             = "ready"
	StatusCertificateLoaded = "certificate loaded"
)

// Transport carries the built requests and switches the handshake identity.
type Transport interface {
	apns.Doer
	UseCredential(cred apns.Credential)
}

// Options wires a Session. Only Resolver and Transport are required.
type Options struct {
	Store     store.Store
	Resolver  *apns.Resolver
	Transport Transport
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Session owns the settings, the device token list and the status line of
// one sender. Send operations run one at a time.
type Session struct {
	mu       sync.Mutex // settings, devices, status
	settings store.Settings
	devices  []*apns.DeviceToken
	status   Status

	sendMu     sync.Mutex
	store      store.Store
	resolver   *apns.Resolver
	signatures *apns.SignatureCache
	transport  Transport
	dispatcher *apns.Dispatcher
	notifier   Notifier
	metrics    *metrics.Metrics
}

// New returns a session holding the default settings. Call Load to restore
// saved ones.
func New(opts Options) *Session {
	s := &Session{
		settings:   *store.DefaultSettings(),
		status:     Status{Message: StatusReady},
		store:      opts.Store,
		resolver:   opts.Resolver,
		signatures: apns.NewSignatureCache(),
		transport:  opts.Transport,
		dispatcher: apns.NewDispatcher(opts.Transport),
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	s.signatures.OnRefresh(s.metrics.SignatureRefreshed)
	return s
}

// Load replaces the settings and device tokens with the saved ones.
func (s *Session) Load() error {
	if s.store == nil {
		return nil
	}
	settings, err := s.store.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	var devices []*apns.DeviceToken
	for _, entry := range settings.DeviceTokens {
		d := apns.DeviceTokenFromJSON(entry)
		if d.Token == "" {
			continue
		}
		devices = append(devices, d)
	}

	s.mu.Lock()
	s.settings = *settings
	s.devices = devices
	s.mu.Unlock()

	log.Printf("[Session] Loaded settings with %d device tokens", len(devices))
	return nil
}

// Save persists the settings and device tokens.
func (s *Session) Save() error {
	if s.store == nil {
		return nil
	}
	s.mu.Lock()
	settings := s.settingsLocked()
	s.mu.Unlock()

	if err := s.store.SaveSettings(&settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	return nil
}

func (s *Session) settingsLocked() store.Settings {
	settings := s.settings
	settings.DeviceTokens = make([]string, 0, len(s.devices))
	for _, d := range s.devices {
		settings.DeviceTokens = append(settings.DeviceTokens, d.ToJSON())
	}
	return settings
}

// Settings returns a copy of the current settings, device tokens included.
func (s *Session) Settings() store.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settingsLocked()
}

// SetSettings replaces every setting except the device token list, which is
// managed with SetDevices.
func (s *Session) SetSettings(settings store.Settings) {
	s.mu.Lock()
	settings.DeviceTokens = nil
	s.settings = settings
	s.mu.Unlock()
}

// Device is a point-in-time view of one device token.
type Device struct {
	Token    string             `json:"token"`
	Selected bool               `json:"selected"`
	State    apns.DeliveryState `json:"state"`
}

// SetDevices replaces the device token list. Tokens already known keep their
// delivery state; blank and repeated tokens are dropped.
func (s *Session) SetDevices(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := make(map[string]*apns.DeviceToken, len(s.devices))
	for _, d := range s.devices {
		known[d.Token] = d
	}

	next := make([]*apns.DeviceToken, 0, len(devices))
	seen := make(map[string]bool, len(devices))
	for _, d := range devices {
		token := strings.TrimSpace(d.Token)
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		dt, ok := known[token]
		if !ok {
			dt = apns.NewDeviceToken(token)
		}
		dt.Selected = d.Selected
		next = append(next, dt)
	}
	s.devices = next
}

// Devices returns a snapshot of the device token list.
func (s *Session) Devices() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, Device{Token: d.Token, Selected: d.Selected, State: d.State()})
	}
	return out
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(message string, isError bool) {
	s.mu.Lock()
	s.status = Status{Message: message, Error: isError}
	s.mu.Unlock()
	s.notifier.Notify(Event{Type: EventStatus, Message: message, Error: isError, Time: time.Now()})
}

// OpenCertificate selects path as the certificate file and loads it right
// away. When no topic is set, the topic named by the certificate is adopted.
func (s *Session) OpenCertificate(path string) error {
	s.mu.Lock()
	s.settings.CertificateFile = path
	s.mu.Unlock()

	cred, err := s.resolver.ResolveCertificate(path)
	if err != nil {
		s.metrics.CredentialFailed(apns.ModeCertificate.String())
		s.setStatus(err.Error(), true)
		return err
	}

	s.mu.Lock()
	s.settings.Topic = cred.Topic(s.settings.Topic)
	s.mu.Unlock()

	s.setStatus(StatusCertificateLoaded, false)
	return nil
}

// Report summarizes one send operation.
type Report struct {
	Topic     string         `json:"topic"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	Outcomes  []apns.Outcome `json:"outcomes"`
}

// Send runs one send operation: it saves the settings, validates them,
// prepares the credential, builds one request per selected device token and
// dispatches them concurrently. Validation, credential and payload errors
// abort before any request is issued. Once dispatched, requests are not
// cancelled by ctx; Send returns after the last outcome.
func (s *Session) Send(ctx context.Context) (*Report, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.Save(); err != nil {
		log.Printf("[Session] %v", err)
	}

	deliveries, n, err := s.prepare()
	if err != nil {
		s.metrics.SendFinished(false)
		s.setStatus(err.Error(), true)
		return nil, err
	}

	s.setStatus(fmt.Sprintf("sending to %d device(s)", len(deliveries)), false)
	report := &Report{Topic: n.Topic}

	outcomes := s.dispatcher.Send(context.WithoutCancel(ctx), deliveries)
	for _, d := range deliveries {
		s.notifier.Notify(Event{Type: EventTokenState, Token: d.Device.Token, State: apns.Pending, Time: time.Now()})
	}
	for o := range outcomes {
		s.record(n.Topic, o)
		report.Outcomes = append(report.Outcomes, o)
		if o.Success {
			report.Delivered++
		} else {
			report.Failed++
		}
	}
	s.metrics.SendFinished(true)

	if report.Failed == 0 {
		s.setStatus(fmt.Sprintf("sent to %d device(s)", report.Delivered), false)
	} else {
		s.setStatus(fmt.Sprintf("%d of %d device(s) failed: %s", report.Failed, len(deliveries), firstFailure(report.Outcomes)), true)
	}
	log.Printf("[Session] Send to %s finished: %d delivered, %d failed", n.Topic, report.Delivered, report.Failed)
	return report, nil
}

// prepare validates in the order topic, device tokens, credential, and then
// builds every request. Nothing is sent if any step fails.
func (s *Session) prepare() ([]apns.Delivery, apns.Notification, error) {
	// The selection is fixed here; SetDevices may change it while the
	// requests are in flight.
	s.mu.Lock()
	settings := s.settings
	var selected []*apns.DeviceToken
	for _, d := range s.devices {
		if d.Selected {
			selected = append(selected, d)
		}
	}
	s.mu.Unlock()

	n := apns.Notification{
		Topic:      strings.TrimSpace(settings.Topic),
		Priority:   apns.Priority(settings.Priority),
		PushType:   apns.PushType(settings.PayloadType),
		CollapseID: settings.CollapseID,
		Payload:    settings.Payload,
	}

	if n.Topic == "" {
		return nil, n, apns.ErrTopicRequired
	}
	if len(selected) == 0 {
		return nil, n, apns.ErrNoDeviceTokens
	}

	mode, err := apns.ParseMode(settings.ConnectionMode)
	if err != nil {
		return nil, n, err
	}
	cred, err := s.resolve(mode, settings)
	if err != nil {
		s.metrics.CredentialFailed(mode.String())
		return nil, n, err
	}
	s.transport.UseCredential(cred)

	builder := apns.NewBuilder(apns.EnvironmentURL(settings.APIPath), s.signatures)
	deliveries := make([]apns.Delivery, 0, len(selected))
	for _, d := range selected {
		req, err := builder.Build(d.Token, cred, n)
		if err != nil {
			if apns.KindOf(err) == apns.KindCredential {
				s.metrics.CredentialFailed(mode.String())
			}
			return nil, n, err
		}
		deliveries = append(deliveries, apns.Delivery{Device: d, Request: req})
	}
	return deliveries, n, nil
}

func (s *Session) resolve(mode apns.Mode, settings store.Settings) (apns.Credential, error) {
	if mode == apns.ModeCertificate {
		return s.resolver.ResolveCertificate(settings.CertificateFile)
	}
	return s.resolver.ResolveToken(settings.P8File, settings.KeyID, settings.TeamID)
}

func (s *Session) record(topic string, o apns.Outcome) {
	state := apns.Delivered
	if !o.Success {
		state = apns.Failed
	}
	s.notifier.Notify(Event{Type: EventTokenState, Token: o.Token, State: state, Reason: o.Reason, Time: time.Now()})

	kind := ""
	if !o.Success {
		kind = o.Kind().String()
	}
	s.metrics.ObserveOutcome(o.Success, kind, o.Duration)

	if s.store == nil {
		return
	}
	_, err := s.store.RecordDelivery(store.Delivery{
		Token:      o.Token,
		Topic:      topic,
		Success:    o.Success,
		Reason:     o.Reason,
		StatusCode: o.StatusCode,
		APNsID:     o.APNsID,
		DurationMS: o.Duration.Milliseconds(),
	})
	if err != nil {
		log.Printf("[Session] Failed to record delivery for %s: %v", o.Token, err)
	}
}

func firstFailure(outcomes []apns.Outcome) string {
	for _, o := range outcomes {
		if !o.Success {
			return o.Reason
		}
	}
	return apns.UnknownReason
}
