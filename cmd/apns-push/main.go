package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"apns-pusher/apns"
	"apns-pusher/config"
	"apns-pusher/middleware"
	"apns-pusher/session"
	"apns-pusher/store"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func main() {
	var (
		configPath = envOr("APNS_PUSHER_CONFIG", "config.yaml")
		envFile    = ".env"
	)

	root := &cobra.Command{
		Use:          "apns-push",
		Short:        "Send APNs notifications and talk to an apns-pusher server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", configPath, "Path to YAML config file (env APNS_PUSHER_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env-file", envFile, "Path to .env file")

	loadConfig := func() (*config.Config, error) {
		config.LoadEnvFile(envFile)
		return config.Load(configPath)
	}

	root.AddCommand(sendCmd(loadConfig))
	root.AddCommand(jwtCmd())
	root.AddCommand(tokenCmd(loadConfig))
	root.AddCommand(watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// sendCmd runs one send operation against the saved settings, the same way
// the server's POST /send does.
func sendCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		topic   string
		tokens  []string
		mode    string
		payload string
		save    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send the saved notification to the selected device tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := store.NewSQLiteStore(cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			var st store.Store = s
			if !save {
				st = settingsReadOnly{s}
			}

			roots, err := cfg.RootPool()
			if err != nil {
				return err
			}

			sess := session.New(session.Options{
				Store:     st,
				Resolver:  apns.NewResolver(cfg.IdentityStore()),
				Transport: apns.NewClient(apns.NewAuthenticator(roots)),
				Notifier: session.NotifierFunc(func(ev session.Event) {
					if ev.Type == session.EventTokenState && ev.State != apns.Pending {
						log.Printf("%s: %s %s", ev.Token, ev.State, ev.Reason)
					}
				}),
			})
			if err := sess.Load(); err != nil {
				return err
			}

			settings := sess.Settings()
			if cmd.Flags().Changed("topic") {
				settings.Topic = topic
			}
			if cmd.Flags().Changed("mode") {
				settings.ConnectionMode = mode
			}
			if payload != "" {
				b, err := os.ReadFile(payload)
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
				settings.Payload = string(b)
			}
			sess.SetSettings(settings)

			if len(tokens) > 0 {
				devices := make([]session.Device, 0, len(tokens))
				for _, t := range tokens {
					devices = append(devices, session.Device{Token: t, Selected: true})
				}
				sess.SetDevices(devices)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, err := sess.Send(ctx)
			if err != nil {
				return err
			}
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
			if report.Failed > 0 {
				return fmt.Errorf("%s", sess.Status().Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "Topic (bundle identifier) for this send")
	cmd.Flags().StringSliceVar(&tokens, "device", nil, "Device token to send to (repeatable), instead of the saved list")
	cmd.Flags().StringVar(&mode, "mode", "", "Connection mode: token|certificate")
	cmd.Flags().StringVar(&payload, "payload", "", "Path to a JSON payload file")
	cmd.Flags().BoolVar(&save, "save", false, "Save the overrides as the new settings")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Time allowed to prepare the send")
	return cmd
}

// settingsReadOnly records delivery history but never overwrites the saved
// settings.
type settingsReadOnly struct {
	store.Store
}

func (settingsReadOnly) SaveSettings(*store.Settings) error { return nil }

// jwtCmd prints a provider authentication token for a .p8 signing key.
func jwtCmd() *cobra.Command {
	var keyFile, keyID, teamID string

	cmd := &cobra.Command{
		Use:   "jwt",
		Short: "Print an APNs provider token signed with a .p8 key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keyFile == "" || keyID == "" || teamID == "" {
				return fmt.Errorf("--key, --key-id and --team-id are required")
			}
			cred, err := apns.NewResolver(nil).ResolveToken(keyFile, keyID, teamID)
			if err != nil {
				return err
			}
			token, err := apns.Sign(cred.PrivateKeyPEM, cred.KeyID, cred.TeamID, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyFile, "key", "", "Path to the .p8 signing key")
	cmd.Flags().StringVar(&keyID, "key-id", "", "Key ID")
	cmd.Flags().StringVar(&teamID, "team-id", "", "Team ID")
	return cmd
}

// tokenCmd mints an API token for the server, signed with the configured
// secret.
func tokenCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var (
		username string
		role     string
		secret   string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token for the apns-pusher server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != middleware.RoleAdmin && role != middleware.RoleViewer {
				return fmt.Errorf("invalid role: %s. Must be '%s' or '%s'", role, middleware.RoleAdmin, middleware.RoleViewer)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			middleware.Configure(secret, ttl)

			token, err := middleware.GenerateToken(username, role)
			if err != nil {
				return fmt.Errorf("error signing token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "admin", "Token subject")
	cmd.Flags().StringVar(&role, "role", middleware.RoleViewer, "Role: 'admin' or 'viewer'")
	cmd.Flags().StringVar(&secret, "secret", "", "JWT secret (defaults to the configured one)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the configured one)")
	return cmd
}

// watchEvent mirrors session.Event with the state kept as text.
type watchEvent struct {
	Type    string    `json:"type"`
	Token   string    `json:"token"`
	State   string    `json:"state"`
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	Error   bool      `json:"error"`
	Time    time.Time `json:"time"`
}

// watchCmd follows the server's live event feed.
func watchCmd() *cobra.Command {
	var (
		addr     string
		token    string
		insecure bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live delivery and status events from a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token is required")
			}

			u := fmt.Sprintf("wss://%s/ws?token=%s", addr, url.QueryEscape(token))
			log.Printf("Connecting to wss://%s/ws", addr)

			// Self-signed server certificates need --insecure
			httpClient := &http.Client{
				Transport: &http.Transport{
					TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
				},
			}

			c, _, err := websocket.Dial(cmd.Context(), u, &websocket.DialOptions{HTTPClient: httpClient})
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer c.Close(websocket.StatusNormalClosure, "client closing")

			log.Println("Connected! Waiting for events...")

			for {
				var ev watchEvent
				if err := wsjson.Read(cmd.Context(), c, &ev); err != nil {
					return fmt.Errorf("error reading: %w", err)
				}
				fmt.Println(formatEvent(ev))
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8443", "Server address")
	cmd.Flags().StringVar(&token, "token", os.Getenv("APNS_PUSHER_TOKEN"), "API token (env APNS_PUSHER_TOKEN)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip server certificate verification")
	return cmd
}

func formatEvent(ev watchEvent) string {
	ts := ev.Time.Local().Format("15:04:05")
	switch ev.Type {
	case string(session.EventTokenState):
		line := fmt.Sprintf("%s %s %s", ts, ev.Token, ev.State)
		if ev.Reason != "" {
			line += " (" + ev.Reason + ")"
		}
		return line
	case string(session.EventStatus):
		prefix := "status"
		if ev.Error {
			prefix = "ERROR"
		}
		return fmt.Sprintf("%s %s: %s", ts, prefix, ev.Message)
	default:
		return fmt.Sprintf("%s %s", ts, strings.TrimSpace(ev.Message))
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
