package apns

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
)

// Authenticator answers the TLS challenges of an APNs connection. It
// verifies the server chain against the roots, records the chain accepted
// for each host, and presents the client identity only in certificate mode.
type Authenticator struct {
	mu       sync.RWMutex
	roots    *x509.CertPool
	mode     Mode
	identity *tls.Certificate
	accepted map[string][]*x509.Certificate // last verified chain per server name
}

// NewAuthenticator verifies servers against roots, or the system pool when
// roots is nil. It starts in token mode.
func NewAuthenticator(roots *x509.CertPool) *Authenticator {
	return &Authenticator{
		roots:    roots,
		mode:     ModeToken,
		accepted: make(map[string][]*x509.Certificate),
	}
}

// Use switches to the authentication scheme of cred. It reports whether
// anything a new handshake would present has changed.
func (a *Authenticator) Use(cred Credential) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch c := cred.(type) {
	case *CertificateCredential:
		changed := a.mode != ModeCertificate || a.identity == nil || !sameIdentity(a.identity, &c.Identity)
		a.mode = ModeCertificate
		identity := c.Identity
		a.identity = &identity
		return changed
	default:
		changed := a.mode != ModeToken
		a.mode = ModeToken
		a.identity = nil
		return changed
	}
}

// Mode returns the active scheme.
func (a *Authenticator) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// TLSConfig returns a client configuration wired to a.
func (a *Authenticator) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:           tls.VersionTLS12,
		RootCAs:              a.roots,
		GetClientCertificate: a.clientCertificate,
		VerifyConnection:     a.verifyServer,
	}
}

// clientCertificate answers a certificate request. An empty certificate
// declines the request, which is what token mode relies on.
func (a *Authenticator) clientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.mode == ModeCertificate && a.identity != nil {
		return a.identity, nil
	}
	return &tls.Certificate{}, nil
}

// verifyServer runs after the standard chain verification and cancels the
// handshake when no verified chain exists. The accepted chain is recorded
// for inspection only. Later handshakes are verified against the roots,
// not against the recorded chain.
func (a *Authenticator) verifyServer(cs tls.ConnectionState) error {
	if len(cs.VerifiedChains) == 0 {
		return fmt.Errorf("%w: %s", ErrUntrustedServer, cs.ServerName)
	}
	a.mu.Lock()
	a.accepted[cs.ServerName] = cs.VerifiedChains[0]
	a.mu.Unlock()
	return nil
}

// AcceptedChain returns the chain most recently accepted for host, if any.
func (a *Authenticator) AcceptedChain(host string) []*x509.Certificate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.accepted[host]
}

func sameIdentity(a, b *tls.Certificate) bool {
	if len(a.Certificate) != len(b.Certificate) {
		return false
	}
	for i := range a.Certificate {
		if string(a.Certificate[i]) != string(b.Certificate[i]) {
			return false
		}
	}
	return true
}

// Client is a shared HTTP/2 connection pool to APNs.
type Client struct {
	auth      *Authenticator
	transport *http2.Transport
	http      *http.Client
}

// NewClient builds an HTTP/2 client whose handshakes are answered by auth.
// No request timeout is imposed.
func NewClient(auth *Authenticator) *Client {
	transport := &http2.Transport{TLSClientConfig: auth.TLSConfig()}
	return &Client{
		auth:      auth,
		transport: transport,
		http:      &http.Client{Transport: transport},
	}
}

// UseCredential switches the authentication scheme. Idle connections are
// closed when the scheme or identity changes so the next handshake presents
// the new one.
func (c *Client) UseCredential(cred Credential) {
	if c.auth.Use(cred) {
		log.Printf("[APNs] Authentication switched to %s mode, closing idle connections", cred.Mode())
		c.transport.CloseIdleConnections()
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}
