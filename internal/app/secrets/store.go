// Package secrets resolves agent credentials from the external secrets
// collaborator. Credentials are opaque to the core: never logged and never
// persisted in plaintext.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Credentials identifies an agent against external services.
type Credentials struct {
	APIKey    string
	WalletRef string
}

// Store resolves credentials for an agent.
type Store interface {
	Credentials(ctx context.Context, agentID string) (Credentials, error)
}

// EnvStore reads credentials from process environment variables of the form
// <PREFIX>_<AGENT_ID>_API_KEY / <PREFIX>_<AGENT_ID>_WALLET_REF. Suitable for
// development; production deployments point the core at the real secrets
// collaborator.
type EnvStore struct {
	prefix string
}

// NewEnvStore builds an environment-backed store.
func NewEnvStore(prefix string) *EnvStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "ESCROW_AGENT"
	}
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) Credentials(_ context.Context, agentID string) (Credentials, error) {
	key := s.prefix + "_" + sanitize(agentID)
	creds := Credentials{
		APIKey:    os.Getenv(key + "_API_KEY"),
		WalletRef: os.Getenv(key + "_WALLET_REF"),
	}
	if creds.APIKey == "" && creds.WalletRef == "" {
		return Credentials{}, fmt.Errorf("no credentials for agent %s", agentID)
	}
	return creds, nil
}

// Static serves a fixed credential set for every agent. Used in tests and the
// simulated network mode.
type Static struct {
	Creds Credentials
}

func (s Static) Credentials(context.Context, string) (Credentials, error) {
	return s.Creds, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 32
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, id)
}
