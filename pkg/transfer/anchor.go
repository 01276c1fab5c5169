package transfer

import (
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/handreceipt/handreceipt/pkg/herrors"
)

// ComputeExternalAnchor derives the Keccak-256 commitment a
// Blockchain-method transfer publishes externally: a digest of the
// signed completion payload, computed with go-ethereum's crypto
// package. This is independently verifiable by any downstream system
// that also has the signed record; HandReceipt itself never submits it
// to a live chain.
func ComputeExternalAnchor(t *PropertyTransfer) ([]byte, error) {
	payload := SigningPayload{
		TransferID:         t.ID,
		PropertyID:         t.PropertyID,
		FromCustodianID:    t.FromCustodianID,
		ToCustodianID:      t.ToCustodianID,
		VerificationMethod: t.VerificationMethod,
		Stage:              "completion",
		Timestamp:          t.UpdatedAt,
	}

	b, err := payload.CanonicalBytes()
	if err != nil {
		return nil, herrors.New(herrors.KindInternal, "transfer.ComputeExternalAnchor", err)
	}

	hash := gethcrypto.Keccak256(b)
	return hash, nil
}
