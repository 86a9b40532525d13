package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

var _ rotation.Sealer = NaClSealer{}

// NaClSealer encrypts values with a libsodium-compatible sealed box, the
// format GitHub expects for Actions secrets.
type NaClSealer struct{}

// Seal encrypts plaintext for key and returns the base64 ciphertext.
func (NaClSealer) Seal(key rotation.PublicKey, plaintext []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(key.Key)
	if err != nil {
		return "", fmt.Errorf("failed to decode public key %s: %w", key.KeyID, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("public key %s has length %d, want 32", key.KeyID, len(raw))
	}

	var recipient [32]byte
	copy(recipient[:], raw)

	sealed, err := box.SealAnonymous(nil, plaintext, &recipient, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to seal value: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}
