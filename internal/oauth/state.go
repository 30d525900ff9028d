package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/securecookie"

	"github.com/kalambet/callbridge/internal/integration"
)

const stateName = "callbridge_oauth_state"

// StateTTL bounds how long an authorization round trip may take.
const StateTTL = 10 * time.Minute

// State is carried through the provider's authorization redirect.
type State struct {
	AgentID  string                   `json:"agent_id"`
	Provider integration.ProviderType `json:"provider"`
	Nonce    string                   `json:"nonce"`
}

// StateCodec signs and encrypts State values.
type StateCodec struct {
	codec *securecookie.SecureCookie
}

// NewStateCodec derives signing and encryption keys from secret.
func NewStateCodec(secret string) (*StateCodec, error) {
	if secret == "" {
		return nil, errors.New("oauth state secret is empty")
	}
	hash := sha256.Sum256([]byte(secret))
	block := sha256.Sum256(append([]byte("block:"), secret...))
	sc := securecookie.New(hash[:], block[:])
	sc.MaxAge(int(StateTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})
	return &StateCodec{codec: sc}, nil
}

// Encode returns an opaque state string for agentID and provider.
func (c *StateCodec) Encode(agentID string, p integration.ProviderType) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	return c.codec.Encode(stateName, State{AgentID: agentID, Provider: p, Nonce: hex.EncodeToString(nonce)})
}

// Decode verifies and parses a state string. Tampered or expired values fail.
func (c *StateCodec) Decode(value string) (State, error) {
	var s State
	if err := c.codec.Decode(stateName, value, &s); err != nil {
		return State{}, fmt.Errorf("invalid oauth state: %w", err)
	}
	return s, nil
}
