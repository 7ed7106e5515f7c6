package handlers

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"apns-pusher/apns"
	"apns-pusher/session"
	"apns-pusher/store"

	"github.com/gin-gonic/gin"
)

// countingTransport answers 200 to every request.
type countingTransport struct {
	mu    sync.Mutex
	calls int
}

func (f *countingTransport) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (f *countingTransport) UseCredential(apns.Credential) {}

func (f *countingTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type senderFixture struct {
	router    *gin.Engine
	session   *session.Session
	store     *store.SQLiteStore
	transport *countingTransport
}

func setupSender(t *testing.T) *senderFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := setupTestStore(t)
	transport := &countingTransport{}
	sess := session.New(session.Options{
		Store:     s,
		Resolver:  apns.NewResolver(apns.NewMemoryStore()),
		Transport: transport,
	})

	router := gin.New()
	router.GET("/settings", GetSettingsHandler(sess))
	router.PUT("/settings", UpdateSettingsHandler(sess))
	router.PUT("/tokens", UpdateTokensHandler(sess))
	router.POST("/certificate", OpenCertificateHandler(sess))
	router.POST("/send", SendHandler(sess))
	router.GET("/status", StatusHandler(sess))
	router.GET("/deliveries", DeliveriesHandler(s))

	return &senderFixture{router: router, session: sess, store: s, transport: transport}
}

func (f *senderFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = jsonBody(t, body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func writeKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	der, _ := x509.MarshalPKCS8PrivateKey(key)
	path := filepath.Join(t.TempDir(), "AuthKey.p8")
	os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600)
	return path
}

func TestSettingsHandlers(t *testing.T) {
	f := setupSender(t)

	w := f.do(t, "GET", "/settings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var settings store.Settings
	json.Unmarshal(w.Body.Bytes(), &settings)
	if settings.Priority != 5 || settings.PayloadType != "alert" {
		t.Errorf("Unexpected defaults %+v", settings)
	}

	w = f.do(t, "PUT", "/settings", map[string]interface{}{"topic": "com.example.app", "priority": 10})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	got := f.session.Settings()
	if got.Topic != "com.example.app" || got.Priority != 10 || got.PayloadType != "alert" {
		t.Errorf("Expected overlay on current settings, got %+v", got)
	}

	saved, _ := f.store.LoadSettings()
	if saved.Topic != "com.example.app" {
		t.Error("Expected settings to be persisted")
	}

	w = f.do(t, "PUT", "/settings", map[string]interface{}{"connectionMode": "carrier-pigeon"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown mode, got %d", w.Code)
	}
}

func TestUpdateTokensHandler(t *testing.T) {
	f := setupSender(t)

	w := f.do(t, "PUT", "/tokens", map[string]interface{}{
		"tokens": []map[string]interface{}{
			{"token": "aaa"},
			{"token": "bbb", "selected": false},
			{"token": "  "},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	devices := f.session.Devices()
	if len(devices) != 2 {
		t.Fatalf("Expected 2 devices, got %+v", devices)
	}
	if !devices[0].Selected || devices[1].Selected {
		t.Errorf("Unexpected selection %+v", devices)
	}
	if !strings.Contains(w.Body.String(), `"state":"unsent"`) {
		t.Errorf("Expected readable state in response, got %s", w.Body.String())
	}
}

func TestSendHandler_ErrorStatus(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]interface{}
		tokens   bool
		status   int
		kind     string
	}{
		{name: "no topic", settings: map[string]interface{}{}, tokens: true, status: http.StatusBadRequest, kind: "validation"},
		{name: "no tokens", settings: map[string]interface{}{"topic": "com.example.app"}, status: http.StatusBadRequest, kind: "validation"},
		{name: "no key file", settings: map[string]interface{}{"topic": "com.example.app"}, tokens: true, status: http.StatusUnprocessableEntity, kind: "credential"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupSender(t)
			f.do(t, "PUT", "/settings", tt.settings)
			if tt.tokens {
				f.do(t, "PUT", "/tokens", map[string]interface{}{"tokens": []map[string]string{{"token": "aaa"}}})
			}

			w := f.do(t, "POST", "/send", nil)

			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var body map[string]string
			json.Unmarshal(w.Body.Bytes(), &body)
			if body["kind"] != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, body["kind"])
			}
			if f.transport.Calls() != 0 {
				t.Errorf("Expected no network calls, got %d", f.transport.Calls())
			}
		})
	}
}

func TestSendHandler_Success(t *testing.T) {
	f := setupSender(t)
	f.do(t, "PUT", "/settings", map[string]interface{}{
		"topic":          "com.example.app",
		"connectionMode": "token",
		"p8File":         writeKey(t),
		"keyID":          "KEYID12345",
		"teamID":         "TEAMID1234",
	})
	f.do(t, "PUT", "/tokens", map[string]interface{}{"tokens": []map[string]string{{"token": "aaa"}, {"token": "bbb"}}})

	w := f.do(t, "POST", "/send", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report session.Report
	json.Unmarshal(w.Body.Bytes(), &report)
	if report.Delivered != 2 || report.Failed != 0 {
		t.Errorf("Unexpected report %+v", report)
	}

	w = f.do(t, "GET", "/status", nil)
	if !strings.Contains(w.Body.String(), "sent to 2 device(s)") || !strings.Contains(w.Body.String(), `"state":"delivered"`) {
		t.Errorf("Unexpected status body %s", w.Body.String())
	}

	w = f.do(t, "GET", "/deliveries?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var history struct {
		Total      int64            `json:"total"`
		Deliveries []store.Delivery `json:"deliveries"`
	}
	json.Unmarshal(w.Body.Bytes(), &history)
	if history.Total != 2 || len(history.Deliveries) != 1 {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestOpenCertificateHandler(t *testing.T) {
	f := setupSender(t)

	w := f.do(t, "POST", "/certificate", map[string]string{"path": filepath.Join(t.TempDir(), "missing.cer")})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d", w.Code)
	}
	if status := f.session.Status(); !status.Error {
		t.Errorf("Expected error status, got %+v", status)
	}

	w = f.do(t, "POST", "/certificate", "not an object")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad body, got %d", w.Code)
	}
}

func TestDeliveriesHandler_BadLimit(t *testing.T) {
	f := setupSender(t)
	for _, limit := range []string{"0", "-3", "many"} {
		w := f.do(t, "GET", "/deliveries?limit="+limit, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s: expected 400, got %d", limit, w.Code)
		}
	}

	w := f.do(t, "GET", "/deliveries", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deliveries":[]`) {
		t.Errorf("Expected empty list, got %d %s", w.Code, w.Body.String())
	}
}
