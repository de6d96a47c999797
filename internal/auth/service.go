// Package auth guards privileged HTTP routes with static bearer tokens.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"Handshake-Escrow/pkg/logger"
)

type tokenEntry struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service authenticates bearer tokens.
type Service struct {
	mode   Mode
	tokens []tokenEntry
	audit  *slog.Logger
}

// NewService validates cfg. An empty mode disables authentication.
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeToken:
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.Mode)
	}
	if len(cfg.Tokens) == 0 {
		return nil, fmt.Errorf("token mode requires at least one token")
	}
	for i, t := range cfg.Tokens {
		token := strings.TrimSpace(t.Token)
		if token == "" {
			return nil, fmt.Errorf("token %d (%s) is empty", i, t.Name)
		}
		subject := &Subject{Name: t.Name, Permissions: append([]string(nil), t.Permissions...)}
		subject.normalise()
		svc.tokens = append(svc.tokens, tokenEntry{digest: sha256.Sum256([]byte(token)), subject: subject})
	}
	return svc, nil
}

// Mode reports the active mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// Authenticate resolves an Authorization header to a subject. Every
// configured token is compared so the timing does not reveal a match.
func (s *Service) Authenticate(header string) (*Subject, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(token)))
	var match *Subject
	for _, entry := range s.tokens {
		if subtle.ConstantTimeCompare(entry.digest[:], digest[:]) == 1 {
			match = entry.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return match, nil
}
