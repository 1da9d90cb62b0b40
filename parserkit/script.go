package parserkit

import (
	"crypto/sha256"

	"golang.org/x/crypto/ripemd160"
)

// Standard script opcodes this package's solver recognizes.
const (
	opDup         = 0x76
	opHash160     = 0xa9
	opEqualVerify = 0x88
	opCheckSig    = 0xac
	opPush20      = 0x14
	opPush33      = 0x21
	opPush65      = 0x41
)

// SolveP2PKHOrP2PK inspects script and, if it is a standard pay-to-pubkey-hash
// or pay-to-pubkey output, returns the 20-byte hash a wallet would index it
// under (RIPEMD160(SHA256(pubkey)) for p2pk, the embedded hash for p2pkh).
// ok is false for every other script form.
func SolveP2PKHOrP2PK(script []byte) (keyHash [20]byte, ok bool) {
	if isP2PKH(script) {
		copy(keyHash[:], script[3:23])
		return keyHash, true
	}
	if pub, ok := p2pkPubKey(script); ok {
		return hash160(pub), true
	}
	return keyHash, false
}

func isP2PKH(script []byte) bool {
	return len(script) == 25 &&
		script[0] == opDup &&
		script[1] == opHash160 &&
		script[2] == opPush20 &&
		script[23] == opEqualVerify &&
		script[24] == opCheckSig
}

func p2pkPubKey(script []byte) ([]byte, bool) {
	switch len(script) {
	case 35:
		if script[0] == opPush33 && script[34] == opCheckSig {
			return script[1:34], true
		}
	case 67:
		if script[0] == opPush65 && script[66] == opCheckSig {
			return script[1:66], true
		}
	}
	return nil, false
}

func hash160(pub []byte) [20]byte {
	sum := sha256.Sum256(pub)
	r := ripemd160.New()
	r.Write(sum[:])
	var out [20]byte
	copy(out[:], r.Sum(nil))
	return out
}
