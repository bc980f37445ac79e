package crypto

import (
	"context"
	"fmt"
)

// StaticKeyEntry is one private key known to a StaticKeyManager.
type StaticKeyEntry struct {
	Version    int
	PrivateKey []byte
}

// StaticKeyManager is an in-memory KeyManager backed by a fixed map of
// key id to private key material. Used in tests and for local runs that
// load keys from key_management.private_key_dir, mirroring the in-pack reference Go
// aggregation service's local-file key-collection flow.
type StaticKeyManager struct {
	provider string
	keys     map[string]StaticKeyEntry
	active   int
}

// NewStaticKeyManager builds a StaticKeyManager over the given key set.
// The active version is the maximum version present.
func NewStaticKeyManager(provider string, keys map[string]StaticKeyEntry) *StaticKeyManager {
	active := 0
	for _, e := range keys {
		if e.Version > active {
			active = e.Version
		}
	}
	return &StaticKeyManager{provider: provider, keys: keys, active: active}
}

func (m *StaticKeyManager) Provider() string { return m.provider }

// WrapKey is unused by the decryption path (StaticKeyManager never wraps
// new keys) but is implemented to satisfy the KeyManager interface for
// symmetry with CosmianKMIPManager.
func (m *StaticKeyManager) WrapKey(_ context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	return &KeyEnvelope{Provider: m.provider, KeyVersion: m.active, Ciphertext: append([]byte(nil), plaintext...)}, nil
}

// UnwrapKey returns the private key material for envelope.KeyID. Reports
// use key_id directly (spec §4.2); envelope.Ciphertext is ignored.
func (m *StaticKeyManager) UnwrapKey(_ context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	entry, ok := m.keys[envelope.KeyID]
	if !ok {
		return nil, &PermissionError{KeyID: envelope.KeyID, Cause: fmt.Errorf("no such key in static key set")}
	}
	return entry.PrivateKey, nil
}

func (m *StaticKeyManager) ActiveKeyVersion(_ context.Context) (int, error) {
	return m.active, nil
}

func (m *StaticKeyManager) HealthCheck(_ context.Context) error { return nil }

func (m *StaticKeyManager) Close(_ context.Context) error { return nil }
