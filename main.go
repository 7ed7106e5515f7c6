package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"apns-pusher/apns"
	"apns-pusher/config"
	"apns-pusher/feed"
	"apns-pusher/handlers"
	"apns-pusher/metrics"
	"apns-pusher/middleware"
	"apns-pusher/session"
	"apns-pusher/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to YAML config file (optional)")
	envFile := flag.String("env-file", ".env", "Path to .env file (optional)")
	httpMode := flag.Bool("http", false, "Run in HTTP mode (disable TLS)")
	flag.Parse()

	if config.LoadEnvFile(*envFile) {
		log.Printf("Loaded environment from %s", *envFile)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *httpMode {
		cfg.Server.HTTPMode = true
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := run(cfg, reg)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if cfg.Server.HTTPMode {
		log.Printf("Server listening on %s (HTTP - TLS Disabled)", cfg.Server.Addr)
		log.Printf("WARNING: Traffic is unencrypted. Ensure you are running behind a secure proxy.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed: ", err)
		}
		return
	}

	log.Printf("Server listening on %s (TLS 1.3 strict)", cfg.Server.Addr)

	// Check if cert files exist, generate if not
	if _, err := os.Stat(cfg.Server.CertFile); os.IsNotExist(err) {
		log.Printf("Certificate file %s not found. Generating self-signed certificate...", cfg.Server.CertFile)
		if err := generateSelfSignedCert(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		log.Printf("Successfully generated self-signed certificate at %s and %s", cfg.Server.CertFile, cfg.Server.KeyFile)
	} else {
		log.Printf("Found existing certificate: %s", cfg.Server.CertFile)
	}

	if err := srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile); err != nil && err != http.ErrServerClosed {
		log.Fatal("Server failed: ", err)
	}
}

// run wires the store, the APNs client and the session behind the HTTP API.
// Dispatch metrics are registered on reg and served from /metrics.
func run(cfg *config.Config, reg *prometheus.Registry) (_ *http.Server, err error) {
	s, err := store.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	middleware.Configure(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		log.Printf("[AUTH] WARNING: using the default JWT secret, set APNS_PUSHER_JWT_SECRET")
	}
	setupAdminUser(s, cfg.Auth.AdminPasswordHash)

	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}

	roots, err := cfg.RootPool()
	if err != nil {
		return nil, err
	}
	client := apns.NewClient(apns.NewAuthenticator(roots))

	events := feed.NewHub()
	sess := session.New(session.Options{
		Store:     s,
		Resolver:  apns.NewResolver(cfg.IdentityStore()),
		Transport: client,
		Notifier:  events,
		Metrics:   m,
	})
	if err := sess.Load(); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// Public routes (no auth)
	router.POST("/login", handlers.LoginHandler(s))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	// Authenticated routes
	auth := router.Group("/")
	auth.Use(middleware.JWTAuthMiddleware())
	{
		auth.POST("/refresh", handlers.RefreshHandler())

		// Viewer routes
		viewers := auth.Group("/")
		viewers.Use(middleware.RequireRole(middleware.RoleViewer))
		{
			viewers.GET("/settings", handlers.GetSettingsHandler(sess))
			viewers.GET("/status", handlers.StatusHandler(sess))
			viewers.GET("/deliveries", handlers.DeliveriesHandler(s))
			viewers.GET("/ws", handlers.WSHandler(events))
		}

		// Admin routes
		admins := auth.Group("/")
		admins.Use(middleware.RequireRole(middleware.RoleAdmin))
		{
			admins.PUT("/settings", handlers.UpdateSettingsHandler(sess))
			admins.PUT("/tokens", handlers.UpdateTokensHandler(sess))
			admins.POST("/certificate", handlers.OpenCertificateHandler(sess))
			admins.POST("/send", handlers.SendHandler(sess))
			admins.POST("/admin/users", handlers.CreateUserHandler(s))
			admins.GET("/admin/token", handlers.GetTokenHandler(s))
		}
	}

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	if !cfg.Server.HTTPMode {
		// Configure TLS 1.3 Strict
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS13,
			CipherSuites: []uint16{
				tls.TLS_AES_128_GCM_SHA256,
				tls.TLS_AES_256_GCM_SHA384,
				tls.TLS_CHACHA20_POLY1305_SHA256,
			},
		}
		server.TLSConfig = tlsConfig
	}

	return server, nil
}

// setupAdminUser makes sure an admin exists. With a configured bcrypt hash
// the admin gets that password; otherwise a random one is printed once.
func setupAdminUser(s store.Store, passwordHash string) {
	hasAdmin, err := s.HasAdminUser()
	if err != nil {
		log.Printf("[AUTH] Failed to check for admin user: %v", err)
		return
	}

	if hasAdmin {
		return
	}

	// Checks if user "admin" already exists (but implies role != admin)
	user, err := s.GetUser("admin")
	if err != nil {
		log.Printf("[AUTH] Failed to check for existing 'admin' username: %v", err)
	}

	if user != nil {
		if err := s.UpdateUserRole("admin", middleware.RoleAdmin); err != nil {
			log.Printf("[AUTH] Failed to promote 'admin' user: %v", err)
		} else {
			log.Printf("==================================================")
			log.Printf("[AUTH] Promoted existing user 'admin' to admin role.")
			log.Printf("==================================================")
		}
		return
	}

	password := ""
	hash := passwordHash
	if hash == "" {
		var err error
		password, err = randomPassword(12)
		if err != nil {
			log.Printf("[AUTH] Failed to generate password: %v", err)
			return
		}
		b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			log.Printf("[AUTH] Failed to hash password: %v", err)
			return
		}
		hash = string(b)
	}

	// Create Admin
	if err := s.CreateUser("admin", hash, middleware.RoleAdmin); err != nil {
		log.Printf("[AUTH] Failed to create admin user: %v", err)
		return
	}

	log.Printf("==================================================")
	log.Printf("[AUTH] Admin user created:")
	log.Printf("[AUTH] Username: admin")
	if password != "" {
		log.Printf("[AUTH] Password: %s", password)
	} else {
		log.Printf("[AUTH] Password: from auth.admin_password_hash")
	}
	log.Printf("==================================================")
}

func randomPassword(n int) (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b), nil
}

func generateSelfSignedCert(certPath, keyPath string) error {
	// ensure directory exists
	if err := os.MkdirAll(filepath.Dir(certPath), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return err
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"apns-pusher"},
		},
		NotBefore: time.Now(),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	// Add localhost and IP addresses
	template.DNSNames = append(template.DNSNames, "localhost")
	template.IPAddresses = append(template.IPAddresses, net.ParseIP("127.0.0.1"))

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return err
	}

	// Save Cert
	certOut, err := os.Create(certPath)
	if err != nil {
		return err
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return err
	}

	// Save Key
	keyOut, err := os.Create(keyPath)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	privBytes := x509.MarshalPKCS1PrivateKey(priv)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: privBytes}); err != nil {
		return err
	}

	return nil
}
