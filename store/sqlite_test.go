package store

import (
	"path/filepath"
	"testing"

	"apns-pusher/apns"
)

// setupTestStore creates an in-memory SQLite database for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestLoadSettingsDefaults tests a fresh database
func TestLoadSettingsDefaults(t *testing.T) {
	store := setupTestStore(t)

	settings, err := store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings.Priority != 5 {
		t.Errorf("Expected default priority 5, got %d", settings.Priority)
	}
	if settings.PayloadType != "alert" {
		t.Errorf("Expected default payload type alert, got %s", settings.PayloadType)
	}
	if settings.APIPath != apns.SandboxURL {
		t.Errorf("Expected sandbox environment, got %s", settings.APIPath)
	}
	if settings.Payload != apns.DefaultPayload {
		t.Error("Expected the default payload")
	}
	if settings.ConnectionMode != "token" {
		t.Errorf("Expected token mode, got %s", settings.ConnectionMode)
	}
	if len(settings.DeviceTokens) != 0 {
		t.Errorf("Expected no device tokens, got %d", len(settings.DeviceTokens))
	}
}

// TestSaveAndLoadSettings tests the settings round trip
func TestSaveAndLoadSettings(t *testing.T) {
	store := setupTestStore(t)

	in := &Settings{
		ConnectionMode:  "certificate",
		P8File:          "/keys/AuthKey.p8",
		KeyID:           "KEYID12345",
		TeamID:          "TEAMID1234",
		CertificateFile: "/certs/aps.cer",
		DeviceTokens: []string{
			`{"token":"abc","selected":true}`,
			`{"token":"def","selected":false}`,
		},
		Priority:    10,
		CollapseID:  "group",
		Topic:       "com.example.app",
		PayloadType: "voip",
		APIPath:     apns.ProductionURL,
		Payload:     `{"aps":{}}`,
	}
	if err := store.SaveSettings(in); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	out, err := store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if out.ConnectionMode != in.ConnectionMode || out.P8File != in.P8File || out.KeyID != in.KeyID ||
		out.TeamID != in.TeamID || out.CertificateFile != in.CertificateFile || out.Priority != in.Priority ||
		out.CollapseID != in.CollapseID || out.Topic != in.Topic || out.PayloadType != in.PayloadType ||
		out.APIPath != in.APIPath || out.Payload != in.Payload {
		t.Errorf("Settings did not round trip: %+v", out)
	}
	if len(out.DeviceTokens) != 2 || out.DeviceTokens[1] != in.DeviceTokens[1] {
		t.Errorf("Unexpected device tokens %v", out.DeviceTokens)
	}

	tokens := apns.DeviceTokenFromJSON(out.DeviceTokens[1])
	if tokens.Token != "def" || tokens.Selected {
		t.Errorf("Unexpected decoded token %+v", tokens)
	}

	// Saving again overwrites instead of duplicating.
	in.Topic = "com.example.other"
	in.DeviceTokens = nil
	if err := store.SaveSettings(in); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	out, _ = store.LoadSettings()
	if out.Topic != "com.example.other" || len(out.DeviceTokens) != 0 {
		t.Errorf("Expected overwritten settings, got topic %s and %d tokens", out.Topic, len(out.DeviceTokens))
	}
}

// TestLoadSettingsMalformedValues tests that bad rows fall back to defaults
func TestLoadSettingsMalformedValues(t *testing.T) {
	store := setupTestStore(t)
	store.db.Exec(`INSERT INTO settings (key, value) VALUES ('priority', 'high'), ('deviceTokens', 'not json'), ('unknown', 'x')`)

	settings, err := store.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings.Priority != 5 {
		t.Errorf("Expected default priority, got %d", settings.Priority)
	}
	if len(settings.DeviceTokens) != 0 {
		t.Errorf("Expected empty token list, got %v", settings.DeviceTokens)
	}
}

// TestSettingsPersistAcrossReopen tests a file-backed database
func TestSettingsPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pusher.db")

	first, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	settings := DefaultSettings()
	settings.Topic = "com.example.app"
	if err := first.SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer second.Close()
	loaded, _ := second.LoadSettings()
	if loaded.Topic != "com.example.app" {
		t.Errorf("Expected topic to persist, got %q", loaded.Topic)
	}
}

// TestRecordDelivery tests delivery history
func TestRecordDelivery(t *testing.T) {
	store := setupTestStore(t)

	for i, d := range []Delivery{
		{Token: "aaa", Topic: "com.example.app", Success: true, StatusCode: 200, APNsID: "id-1", DurationMS: 12},
		{Token: "bbb", Topic: "com.example.app", Success: false, Reason: "BadDeviceToken", StatusCode: 400},
		{Token: "ccc", Topic: "com.example.app", Success: false, Reason: "connection refused"},
	} {
		id, err := store.RecordDelivery(d)
		if err != nil {
			t.Fatalf("RecordDelivery failed: %v", err)
		}
		if id != int64(i+1) {
			t.Errorf("Expected id %d, got %d", i+1, id)
		}
	}

	count, err := store.GetDeliveryCount()
	if err != nil {
		t.Fatalf("GetDeliveryCount failed: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 deliveries, got %d", count)
	}

	recent, err := store.RecentDeliveries(2)
	if err != nil {
		t.Fatalf("RecentDeliveries failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", len(recent))
	}
	// Oldest first within the window
	if recent[0].Token != "bbb" || recent[1].Token != "ccc" {
		t.Errorf("Unexpected order: %s, %s", recent[0].Token, recent[1].Token)
	}
	if recent[0].Success || recent[0].Reason != "BadDeviceToken" || recent[0].StatusCode != 400 {
		t.Errorf("Unexpected delivery %+v", recent[0])
	}
	if recent[0].CreatedAt.IsZero() {
		t.Error("Expected created_at to be set")
	}
}

// TestCreateUser tests user creation
func TestCreateUser(t *testing.T) {
	store := setupTestStore(t)

	// Create user
	err := store.CreateUser("testuser", "hashedpassword", "admin")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	// Test duplicate user
	err = store.CreateUser("testuser", "hashedpassword", "admin")
	if err == nil {
		t.Fatal("Expected error for duplicate user, got nil")
	}
}

// TestGetUser tests retrieving a user
func TestGetUser(t *testing.T) {
	store := setupTestStore(t)

	// User should not exist
	user, err := store.GetUser("testuser")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user != nil {
		t.Fatal("User should not exist")
	}

	store.CreateUser("testuser", "hashedpassword", "viewer")

	user, err = store.GetUser("testuser")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if user == nil {
		t.Fatal("User should exist")
	}
	if user.Role != "viewer" {
		t.Fatalf("Expected role 'viewer', got '%s'", user.Role)
	}
}

// TestHasAdminUser tests admin detection and promotion
func TestHasAdminUser(t *testing.T) {
	store := setupTestStore(t)

	has, err := store.HasAdminUser()
	if err != nil {
		t.Fatalf("HasAdminUser failed: %v", err)
	}
	if has {
		t.Fatal("Expected no admin")
	}

	store.CreateUser("admin", "hash", "viewer")
	if has, _ := store.HasAdminUser(); has {
		t.Fatal("Viewer must not count as admin")
	}

	if err := store.UpdateUserRole("admin", "admin"); err != nil {
		t.Fatalf("UpdateUserRole failed: %v", err)
	}
	if has, _ := store.HasAdminUser(); !has {
		t.Fatal("Expected admin after promotion")
	}
}
