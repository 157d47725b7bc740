// Command softphone-token mints a bearer token pair for the console API
// using the same JWT_* environment as the server.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"softphone-console/internal/auth"
	"softphone-console/internal/config"
	"softphone-console/internal/rbac"
	"softphone-console/pkg/logger"
)

func main() {
	user := flag.String("user", "", "user id to embed in the token")
	role := flag.String("role", rbac.RoleOperator, "role: operator or viewer")
	flag.Parse()

	log := logger.New(envOr("APP_ENV", "local"))
	slog.SetDefault(log)

	if err := run(os.Stdout, *user, *role); err != nil {
		log.Error("token issuance failed", "err", err)
		os.Exit(1)
	}
}

func run(out io.Writer, user, role string) error {
	if user == "" {
		return fmt.Errorf("-user is required")
	}
	if !rbac.IsKnownRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	cfg := config.AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}
	var err error
	if cfg.AccessTokenTTL, err = durationOr("JWT_ACCESS_TTL", 12*time.Hour); err != nil {
		return err
	}
	if cfg.RefreshTokenTTL, err = durationOr("JWT_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return err
	}

	m, err := auth.NewManager(cfg)
	if err != nil {
		return err
	}
	pair, err := m.IssuePair(time.Now().UTC(), user, role)
	if err != nil {
		return err
	}
	slog.Debug("token issued", "user", user, "role", role)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(pair)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}
