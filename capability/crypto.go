package capability

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// SystemCrypto is the real Crypto backed by crypto/sha256 and
// github.com/google/uuid.
type SystemCrypto struct{}

func (SystemCrypto) HashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (SystemCrypto) NewUUID() string {
	return uuid.NewString()
}
