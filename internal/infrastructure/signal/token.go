package signal

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"novalink/pkg/config"
)

// Identity is the claim set we care about from the access token. The server
// verifies the signature; the client only reads claims for display and to
// warn before an inevitable forced logout.
type Identity struct {
	Subject   string
	Nickname  string
	ExpiresAt time.Time
}

// Expired reports whether the token is already past its expiry.
func (i Identity) Expired() bool {
	return !i.ExpiresAt.IsZero() && time.Now().After(i.ExpiresAt)
}

// LoadToken resolves the access token from config: inline value first, token
// file second.
func LoadToken(cfg *config.Config) (string, error) {
	if cfg.Auth.Token != "" {
		return strings.TrimSpace(cfg.Auth.Token), nil
	}
	if cfg.Auth.TokenFile == "" {
		return "", fmt.Errorf("no auth token configured")
	}
	data, err := os.ReadFile(cfg.Auth.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file %s: %w", cfg.Auth.TokenFile, err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", cfg.Auth.TokenFile)
	}
	return token, nil
}

// InspectToken parses the token without verifying its signature and extracts
// the identity claims.
func InspectToken(token string) (Identity, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse token: %w", err)
	}

	id := Identity{}
	if sub, err := claims.GetSubject(); err == nil {
		id.Subject = sub
	}
	if nick, ok := claims["nickname"].(string); ok {
		id.Nickname = nick
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id, nil
}
