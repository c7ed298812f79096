package session

import "github.com/chaz8081/octobed/internal/ble/protocol"

// CredentialStore is the persistence collaborator that owns the PIN.
type CredentialStore interface {
	LoadPIN() (string, error)
	SavePIN(pin string) error
}

// Credentials holds the normalized four-digit PIN.
type Credentials struct {
	pin string
}

// NewCredentials normalizes pin to four digits.
func NewCredentials(pin string) Credentials {
	return Credentials{pin: protocol.NormalizePIN(pin)}
}

// PIN returns the four ASCII digits.
func (c Credentials) PIN() string { return c.pin }

func (c Credentials) authFrame() []byte { return protocol.Auth(c.pin) }
