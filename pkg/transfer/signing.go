package transfer

import (
	"encoding/binary"
	"fmt"

	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/keystore"
)

// methodCode maps a VerificationMethod to the method_u8 wire value the
// transfer-record-for-signing format commits to. Order is fixed by this
// module, not alphabetical, and must never be renumbered once deployed.
func methodCode(m VerificationMethod) (byte, error) {
	switch m {
	case MethodQRCode:
		return 0, nil
	case MethodManual:
		return 1, nil
	case MethodBlockchain:
		return 2, nil
	case MethodNFC:
		return 3, nil
	case MethodRFID:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown verification method %q", m)
	}
}

// CanonicalBytes returns the exact bytes a signer signs and a verifier
// recomputes: property_id(16) || from_id(16, zeros if absent) ||
// to_id(16) || ts_i64_be(8) || method_u8(1). Per the wire format this
// covers only the party/method/time facts of the transfer -- TransferID
// and Stage are not part of the signed bytes.
func (p SigningPayload) CanonicalBytes() ([]byte, error) {
	method, err := methodCode(p.VerificationMethod)
	if err != nil {
		return nil, herrors.New(herrors.KindValidation, "transfer.CanonicalBytes", err)
	}

	buf := make([]byte, 0, 16+16+16+8+1)
	buf = append(buf, p.PropertyID[:]...)
	buf = append(buf, p.FromCustodianID[:]...) // zero UUID already encodes "None"
	buf = append(buf, p.ToCustodianID[:]...)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(p.Timestamp.Unix()))
	buf = append(buf, ts[:]...)

	buf = append(buf, method)

	return buf, nil
}

// Sign produces a signature over payload's canonical bytes using key.
func Sign(key *keystore.SigningKey, payload SigningPayload) ([]byte, error) {
	b, err := payload.CanonicalBytes()
	if err != nil {
		return nil, err
	}
	sig, err := key.Sign(b)
	if err != nil {
		return nil, herrors.New(herrors.KindCrypto, "transfer.Sign", err)
	}
	return sig, nil
}

// VerifySignature checks sig against payload's canonical bytes using
// the key's verification method (which accepts signatures from
// retired-but-not-revoked keys via VerifyWithHistory when ks is given).
func VerifySignature(ks *keystore.KeyStore, payload SigningPayload, sig []byte) (bool, error) {
	b, err := payload.CanonicalBytes()
	if err != nil {
		return false, err
	}
	return ks.VerifyWithHistory(b, sig), nil
}
