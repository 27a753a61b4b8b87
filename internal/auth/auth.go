// Package auth loads the bearer credential shared by the REST client and the
// realtime socket handshake.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// ErrEmptyToken is returned when a token file holds only whitespace.
var ErrEmptyToken = errors.New("token is empty")

// Credentials holds a bearer token. The zero value sends no credential.
type Credentials struct {
	Token string
}

// LoadCredentials prefers the inline token and falls back to reading path.
// Both empty yields zero Credentials.
func LoadCredentials(token, path string) (*Credentials, error) {
	if token = strings.TrimSpace(token); token != "" {
		return &Credentials{Token: token}, nil
	}
	if path == "" {
		return &Credentials{}, nil
	}

	tok, err := LoadTokenFile(path)
	if err != nil {
		return nil, err
	}
	return &Credentials{Token: tok}, nil
}

// LoadTokenFile reads a token from a file, trimming surrounding whitespace.
func LoadTokenFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	tok := strings.TrimSpace(string(data))
	if tok == "" {
		return "", fmt.Errorf("%s: %w", path, ErrEmptyToken)
	}
	return tok, nil
}

// Apply sets the Authorization header when a token is present.
func (c *Credentials) Apply(h http.Header) {
	if c == nil || c.Token == "" {
		return
	}
	h.Set("Authorization", "Bearer "+c.Token)
}

// Bearer returns credentials for token.
func Bearer(token string) *Credentials {
	return &Credentials{Token: token}
}

// String never reveals more than the last four characters.
func (c *Credentials) String() string {
	if c == nil || c.Token == "" {
		return "<none>"
	}
	if len(c.Token) <= 8 {
		return "****"
	}
	return "****" + c.Token[len(c.Token)-4:]
}

// LogValue keeps tokens out of structured logs.
func (c *Credentials) LogValue() slog.Value {
	return slog.StringValue(c.String())
}
