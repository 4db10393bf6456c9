package crypto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/roea-ai/reel/pkg/types"
)

// PayloadVersion is the current encrypted payload format version.
const PayloadVersion = 1

// Sealer encrypts run secrets to the orchestrator's own identity.
type Sealer struct {
	keyManager *KeyManager
}

// NewSealer creates a Sealer backed by an initialized KeyManager.
func NewSealer(keyManager *KeyManager) *Sealer {
	return &Sealer{
		keyManager: keyManager,
	}
}

// Seal encrypts secrets into an EncryptedPayload.
func (s *Sealer) Seal(secrets map[string]string) (*types.EncryptedPayload, error) {
	identity := s.keyManager.Identity()
	if identity == nil {
		return nil, fmt.Errorf("no identity loaded")
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	ciphertext, err := Encrypt(plaintext, identity.Recipient())
	if err != nil {
		return nil, err
	}

	return &types.EncryptedPayload{
		Version:    PayloadVersion,
		Recipient:  s.keyManager.PublicKeyHint(),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// Open decrypts a payload produced by Seal.
func (s *Sealer) Open(payload *types.EncryptedPayload) (map[string]string, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is nil")
	}
	if payload.Version != PayloadVersion {
		return nil, fmt.Errorf("unsupported payload version %d", payload.Version)
	}
	identity := s.keyManager.Identity()
	if identity == nil {
		return nil, fmt.Errorf("no identity loaded")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	plaintext, err := Decrypt(ciphertext, identity)
	if err != nil {
		return nil, err
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secrets: %w", err)
	}
	return secrets, nil
}

// Encrypt encrypts data to the given recipients.
func Encrypt(plaintext []byte, recipients ...age.Recipient) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients configured")
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close encryptor: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt decrypts data with the given identities.
func Decrypt(ciphertext []byte, identities ...age.Identity) ([]byte, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("no identities configured")
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted data: %w", err)
	}
	return plaintext, nil
}
