package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/google/aggregation-service-worker/internal/config"
)

// saltSize is the length of the HKDF salt prepended to every sealed
// envelope. nonceSize is the AEAD nonce length; both AES-256-GCM and
// ChaCha20-Poly1305 use 12-byte nonces.
const (
	saltSize  = 32
	nonceSize = 12

	hkdfInfoLabel = "aggregation-service-worker-report-v1"
)

// HybridDecryptor implements the HPKE-style base-mode construction used to
// decrypt report payloads (spec §4.2): X25519 key agreement, HKDF-SHA256
// key derivation, and an AEAD seal with shared_info bound as associated
// data. The AEAD is chosen per the hardware acceleration hint: AES-256-GCM
// when the CPU advertises AES-NI/ARMv8 AES, ChaCha20-Poly1305 otherwise.
type HybridDecryptor struct {
	keys     KeyManager
	hardware config.HardwareConfig
}

// NewHybridDecryptor builds a decryptor backed by the given key manager.
func NewHybridDecryptor(keys KeyManager, hw config.HardwareConfig) *HybridDecryptor {
	return &HybridDecryptor{keys: keys, hardware: hw}
}

// SealedEnvelope is the wire layout of EncryptedReport.payload: the
// ephemeral X25519 public key, the HKDF salt, and the AEAD-sealed
// ciphertext (nonce prefixed).
type SealedEnvelope struct {
	EphemeralPublicKey [32]byte
	Salt               []byte
	Nonce              []byte
	Ciphertext         []byte
}

// ParseSealedEnvelope decodes the fixed binary layout:
// 32 bytes ephemeral pubkey || saltSize bytes salt || nonceSize bytes nonce || ciphertext.
func ParseSealedEnvelope(payload []byte) (*SealedEnvelope, error) {
	const headerLen = 32 + saltSize + nonceSize
	if len(payload) < headerLen {
		return nil, fmt.Errorf("payload too short: %d bytes", len(payload))
	}
	env := &SealedEnvelope{
		Salt:       append([]byte(nil), payload[32:32+saltSize]...),
		Nonce:      append([]byte(nil), payload[32+saltSize:headerLen]...),
		Ciphertext: append([]byte(nil), payload[headerLen:]...),
	}
	copy(env.EphemeralPublicKey[:], payload[:32])
	return env, nil
}

// Decrypt fetches the private key for keyID from the key manager, derives
// the shared AEAD key via X25519+HKDF, and opens the ciphertext using
// sharedInfo as associated data.
func (d *HybridDecryptor) Decrypt(ctx context.Context, keyID string, sharedInfo []byte, payload []byte) ([]byte, error) {
	env, err := ParseSealedEnvelope(payload)
	if err != nil {
		return nil, &DecryptionError{KeyID: keyID, Cause: err}
	}

	privKey, err := d.keys.UnwrapKey(ctx, &KeyEnvelope{KeyID: keyID}, nil)
	if err != nil {
		return nil, classifyKeyManagerError(keyID, err)
	}
	if len(privKey) != 32 {
		return nil, &DecryptionError{KeyID: keyID, Cause: fmt.Errorf("private key has unexpected length %d", len(privKey))}
	}

	sharedSecret, err := curve25519.X25519(privKey, env.EphemeralPublicKey[:])
	if err != nil {
		return nil, &DecryptionError{KeyID: keyID, Cause: fmt.Errorf("key agreement failed: %w", err)}
	}

	aead, err := d.deriveAEAD(sharedSecret, env.Salt)
	if err != nil {
		return nil, &DecryptionError{KeyID: keyID, Cause: err}
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, sharedInfo)
	if err != nil {
		return nil, &DecryptionError{KeyID: keyID, Cause: fmt.Errorf("AEAD open failed: %w", err)}
	}
	return plaintext, nil
}

// deriveAEAD runs HKDF-SHA256 over the X25519 shared secret and
// instantiates the AEAD selected by hardware acceleration availability.
func (d *HybridDecryptor) deriveAEAD(sharedSecret, salt []byte) (cipher.AEAD, error) {
	if IsHardwareAccelerationEnabled(d.hardware) {
		key := make([]byte, 32)
		if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(hkdfInfoLabel+":aes")), key); err != nil {
			return nil, fmt.Errorf("HKDF expand failed: %w", err)
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("AES cipher init failed: %w", err)
		}
		return cipher.NewGCM(block)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sharedSecret, salt, []byte(hkdfInfoLabel+":chacha")), key); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return chacha20poly1305.New(key)
}

// Seal is the encrypt-side counterpart, used by StaticKeyManager-backed
// test fixtures and the load generator to produce well-formed envelopes.
func Seal(peerPublicKey [32]byte, sharedInfo, plaintext []byte, hw config.HardwareConfig) ([]byte, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive ephemeral public key: %w", err)
	}

	sharedSecret, err := curve25519.X25519(ephPriv[:], peerPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	d := &HybridDecryptor{hardware: hw}
	aead, err := d.deriveAEAD(sharedSecret, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, sharedInfo)

	out := make([]byte, 0, 32+saltSize+nonceSize+len(ciphertext))
	out = append(out, ephPub...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

func classifyKeyManagerError(keyID string, err error) error {
	switch err.(type) {
	case *PermissionError:
		return err
	case *InternalError:
		return err
	default:
		return &ServiceError{KeyID: keyID, Cause: err}
	}
}
