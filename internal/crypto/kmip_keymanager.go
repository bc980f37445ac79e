package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one key managed by the KMIP server and the
// version this implementation should treat it as.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint       string
	Keys           []KMIPKeyReference
	TLSConfig      *tls.Config
	Timeout        time.Duration
	Provider       string
	DualReadWindow int // values below 1 are raised to 1; the UnwrapKey fallback uses only the newest version
}

// CosmianKMIPManager is the production KeyManager backend: every
// WrapKey/UnwrapKey call is a round trip to a Cosmian KMIP server. This is
// the only KMS integration carried over from the teacher repo's "fully
// implemented and tested" compatibility matrix.
type CosmianKMIPManager struct {
	client   *kmip.Client
	opts     CosmianKMIPOptions
	mu       sync.RWMutex
	byID     map[string]int // key id -> version
	byVer    map[int]string // version -> key id
	activeID string
}

// NewCosmianKMIPManager dials the KMIP server and indexes the configured
// key references.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Provider == "" {
		opts.Provider = "cosmian-kmip"
	}
	if opts.DualReadWindow <= 0 {
		opts.DualReadWindow = 1
	}

	client, err := kmip.Dial(opts.Endpoint, kmip.WithTLSConfig(opts.TLSConfig), kmip.WithTimeout(opts.Timeout))
	if err != nil {
		return nil, &InternalError{Cause: fmt.Errorf("failed to connect to KMIP server %s: %w", opts.Endpoint, err)}
	}

	byID := make(map[string]int, len(opts.Keys))
	byVer := make(map[int]string, len(opts.Keys))
	active := ""
	activeVersion := -1
	for _, k := range opts.Keys {
		byID[k.ID] = k.Version
		byVer[k.Version] = k.ID
		if k.Version > activeVersion {
			activeVersion = k.Version
			active = k.ID
		}
	}

	return &CosmianKMIPManager{
		client:   client,
		opts:     opts,
		byID:     byID,
		byVer:    byVer,
		activeID: active,
	}, nil
}

func (m *CosmianKMIPManager) Provider() string { return m.opts.Provider }

// WrapKey encrypts plaintext under the active wrapping key.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, _ map[string]string) (*KeyEnvelope, error) {
	m.mu.RLock()
	activeID := m.activeID
	version := m.byID[activeID]
	m.mu.RUnlock()

	resp, err := m.client.Encrypt(ctx, &payloads.EncryptRequestPayload{
		UniqueIdentifier: activeID,
		Data:             plaintext,
	})
	if err != nil {
		return nil, classifyKMIPError(activeID, err)
	}

	return &KeyEnvelope{
		KeyID:      activeID,
		KeyVersion: version,
		Provider:   m.opts.Provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext with the key identified by
// envelope.KeyID. When KeyID is empty it looks the key up by KeyVersion;
// if that version is not configured it uses the highest configured version
// (the active key). No other version in the DualReadWindow is tried.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, _ map[string]string) ([]byte, error) {
	keyID := envelope.KeyID
	if keyID == "" {
		var err error
		keyID, err = m.resolveKeyIDByVersion(envelope.KeyVersion)
		if err != nil {
			return nil, err
		}
	}

	resp, err := m.client.Decrypt(ctx, &payloads.DecryptRequestPayload{
		UniqueIdentifier: keyID,
		Data:             envelope.Ciphertext,
	})
	if err != nil {
		return nil, classifyKMIPError(keyID, err)
	}
	return resp.Data, nil
}

func (m *CosmianKMIPManager) resolveKeyIDByVersion(version int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if id, ok := m.byVer[version]; ok {
		return id, nil
	}

	versions := make([]int, 0, len(m.byVer))
	for v := range m.byVer {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	for i, v := range versions {
		if i >= m.opts.DualReadWindow {
			break
		}
		return m.byVer[v], nil
	}

	return "", &PermissionError{Cause: fmt.Errorf("no key found for version %d within dual-read window", version)}
}

func (m *CosmianKMIPManager) ActiveKeyVersion(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.activeID == "" {
		return 0, &InternalError{Cause: fmt.Errorf("no active key configured")}
	}
	return m.byID[m.activeID], nil
}

func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	activeID := m.activeID
	m.mu.RUnlock()
	if activeID == "" {
		return &InternalError{Cause: fmt.Errorf("no active key configured")}
	}
	_, err := m.client.Get(ctx, &payloads.GetRequestPayload{UniqueIdentifier: activeID})
	if err != nil {
		return &InternalError{KeyID: activeID, Cause: err}
	}
	return nil
}

func (m *CosmianKMIPManager) Close(_ context.Context) error {
	return m.client.Close()
}

func classifyKMIPError(keyID string, err error) error {
	switch {
	case kmip.IsPermissionDenied(err):
		return &PermissionError{KeyID: keyID, Cause: err}
	case kmip.IsUnavailable(err):
		return &InternalError{KeyID: keyID, Cause: err}
	default:
		return &ServiceError{KeyID: keyID, Cause: err}
	}
}
