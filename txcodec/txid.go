package txcodec

import (
	"crypto/sha256"

	"github.com/bchhub/hub/hash"
)

// TxID computes the double-SHA256 identifier of a raw serialized
// transaction, the same internal byte order hash.Hash already assumes
// (hash.Hash.String reverses it to the conventional display form).
func TxID(raw []byte) hash.Hash {
	first := sha256.Sum256(raw)
	second := sha256.Sum256(first[:])
	return hash.Hash(second)
}
