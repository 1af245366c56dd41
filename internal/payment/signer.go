package payment

import (
	"encoding/binary"

	"github.com/consensys/gnark-crypto/ecc/bn254/twistededwards/eddsa"
	"github.com/consensys/gnark-crypto/hash"
)

// signingHash is the hash function eddsa.Sign/Verify mix into the message,
// matching the MiMC-over-BN254 pairing gnark circuits use for EdDSA
// verification inside a SNARK.
var signingHash = hash.MIMC_BN254

// signBatch signs (recipient, minNonce, maxNonce, totalAmount) with the
// Manager's EdDSA key, per spec.md §4.3.
func signBatch(privKey *eddsa.PrivateKey, recipient [32]byte, minNonce, maxNonce, amount uint64) ([]byte, error) {
	msg := encodeBatchMessage(recipient, minNonce, maxNonce, amount)
	h := signingHash.New()
	return privKey.Sign(msg, h)
}

func encodeBatchMessage(recipient [32]byte, minNonce, maxNonce, amount uint64) []byte {
	buf := make([]byte, 0, 32+8+8+8)
	buf = append(buf, recipient[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, minNonce)
	buf = binary.LittleEndian.AppendUint64(buf, maxNonce)
	buf = binary.LittleEndian.AppendUint64(buf, amount)
	return buf
}
