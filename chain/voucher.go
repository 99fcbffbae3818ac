package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// MessageHash is keccak256(uri || uint96 royalty || uint256 seed) where seed
// is the creator nonce or the listing id.
func MessageHash(contentURI string, royalty int, seed *big.Int) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(contentURI),
		common.LeftPadBytes(big.NewInt(int64(royalty)).Bytes(), 12),
		math.U256Bytes(new(big.Int).Set(seed)),
	)
}

// ListingID derives the id of a multi-piece listing. Price is encoded with
// 18 decimals.
func ListingID(creator common.Address, contentURI string, royalty int, price decimal.Decimal, supply int64) common.Hash {
	return crypto.Keccak256Hash(
		creator.Bytes(),
		[]byte(contentURI),
		common.LeftPadBytes(big.NewInt(int64(royalty)).Bytes(), 12),
		math.U256Bytes(price.Shift(18).BigInt()),
		math.U256Bytes(big.NewInt(supply)),
	)
}

// RecoverSigner returns the address that produced sig over the personal
// message hash.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d", len(sig))
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash.Bytes()), s)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

