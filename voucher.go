package piecesync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

var (
	signatureRe   = regexp.MustCompile(fmt.Sprintf("^0x[0-9a-fA-F]{%d}$", schema.SignatureHexLength))
	messageHashRe = regexp.MustCompile("^0x[0-9a-fA-F]{64}$")
)

// Signer signs an EIP-191 personal message. *goether.Signer satisfies it.
type Signer interface {
	SignMsg(msg []byte) ([]byte, error)
}

// ContractSource resolves the piece contract of a network.
type ContractSource interface {
	Contract(ctx context.Context, network string) (*chain.Contract, error)
}

type VoucherAuthority struct {
	wdb       *Wdb
	contracts ContractSource
	ttl       time.Duration
	now       func() time.Time
}

func NewVoucherAuthority(wdb *Wdb, contracts ContractSource) *VoucherAuthority {
	return &VoucherAuthority{
		wdb:       wdb,
		contracts: contracts,
		ttl:       schema.DefaultVoucherTTL,
		now:       time.Now,
	}
}

func checkURI(uri string) error {
	if !strings.HasPrefix(uri, schema.ContentURIScheme) || len(uri) == len(schema.ContentURIScheme) {
		return schema.NewValidationError("contentURI", fmt.Sprintf("must use %s scheme", schema.ContentURIScheme))
	}
	return nil
}

func checkRoyalty(royalty int) error {
	if royalty < 0 || royalty > schema.MaxRoyalty {
		return schema.NewValidationError("royaltyBasisPoints", fmt.Sprintf("must be within [0,%d]", schema.MaxRoyalty))
	}
	return nil
}

// CreateVoucher signs a single-piece voucher. Nothing is persisted.
func (a *VoucherAuthority) CreateVoucher(creator common.Address, signer Signer, contentURI string, royalty int, nonce *big.Int) (*schema.Voucher, error) {
	if nonce == nil || nonce.Sign() < 0 {
		return nil, schema.NewValidationError("nonce", "must be a non-negative integer")
	}
	v, err := a.sign(creator, signer, contentURI, royalty, nonce)
	if err != nil {
		return nil, err
	}
	v.Nonce = nonce.String()
	v.Pieces = 1
	v.RemainingPieces = 1
	return v, nil
}

// CreateListingVoucher signs a multi-piece voucher bound to a listing id.
func (a *VoucherAuthority) CreateListingVoucher(creator common.Address, signer Signer, contentURI string, royalty int, price decimal.Decimal, supply int64) (*schema.Voucher, error) {
	if supply < 1 {
		return nil, schema.NewValidationError("pieces", "must be at least 1")
	}
	if price.IsNegative() {
		return nil, schema.NewValidationError("price", "must not be negative")
	}
	if err := checkURI(contentURI); err != nil {
		return nil, err
	}
	if err := checkRoyalty(royalty); err != nil {
		return nil, err
	}
	listingId := chain.ListingID(creator, contentURI, royalty, price, supply)
	v, err := a.sign(creator, signer, contentURI, royalty, listingId.Big())
	if err != nil {
		return nil, err
	}
	v.ListingId = listingId.Hex()
	v.Price = price
	v.Pieces = supply
	v.RemainingPieces = supply
	return v, nil
}

func (a *VoucherAuthority) sign(creator common.Address, signer Signer, contentURI string, royalty int, seed *big.Int) (*schema.Voucher, error) {
	if err := checkURI(contentURI); err != nil {
		return nil, err
	}
	if err := checkRoyalty(royalty); err != nil {
		return nil, err
	}
	hash := chain.MessageHash(contentURI, royalty, seed)
	sig, err := signer.SignMsg(hash.Bytes())
	if err != nil {
		return nil, err
	}
	recovered, err := chain.RecoverSigner(hash, sig)
	if err != nil {
		return nil, &schema.SignatureError{Expected: creator.Hex(), Recovered: err.Error()}
	}
	if recovered != creator {
		return nil, &schema.SignatureError{Expected: creator.Hex(), Recovered: recovered.Hex()}
	}
	now := a.now()
	return &schema.Voucher{
		CreatedAt:          now,
		Creator:            creator.Hex(),
		ContentURI:         contentURI,
		RoyaltyBasisPoints: royalty,
		Signature:          hexutil.Encode(sig),
		MessageHash:        hash.Hex(),
		Status:             schema.VoucherPending,
		ExpiresAt:          now.Add(a.ttl),
	}, nil
}

// voucherSeed returns the value hashed in place of the nonce.
func voucherSeed(v *schema.Voucher) (*big.Int, error) {
	switch {
	case v.Nonce != "" && v.ListingId != "":
		return nil, schema.NewValidationError("nonce", "nonce and listingId are exclusive")
	case v.ListingId != "":
		if !messageHashRe.MatchString(v.ListingId) {
			return nil, schema.NewValidationError("listingId", "must be 0x prefixed 32 bytes")
		}
		return common.HexToHash(v.ListingId).Big(), nil
	case v.Nonce != "":
		n, ok := new(big.Int).SetString(v.Nonce, 10)
		if !ok || n.Sign() < 0 || n.BitLen() > 256 {
			return nil, schema.NewValidationError("nonce", "must be a base-10 uint256")
		}
		return n, nil
	}
	return nil, schema.NewValidationError("nonce", "nonce or listingId required")
}

func checkStructure(v *schema.Voucher) error {
	if v == nil {
		return schema.NewValidationError("voucher", "missing")
	}
	if !common.IsHexAddress(v.Creator) {
		return schema.NewValidationError("creator", "must be a hex address")
	}
	if err := checkURI(v.ContentURI); err != nil {
		return err
	}
	if err := checkRoyalty(v.RoyaltyBasisPoints); err != nil {
		return err
	}
	if !signatureRe.MatchString(v.Signature) {
		return schema.NewValidationError("signature", fmt.Sprintf("must be 0x followed by %d hex chars", schema.SignatureHexLength))
	}
	if !messageHashRe.MatchString(v.MessageHash) {
		return schema.NewValidationError("messageHash", "must be 0x prefixed 32 bytes")
	}
	if _, err := voucherSeed(v); err != nil {
		return err
	}
	if v.Pieces < 0 || v.RemainingPieces < 0 || v.RemainingPieces > v.Pieces {
		return schema.NewValidationError("pieces", "remaining pieces out of range")
	}
	return nil
}

func checkSignature(v *schema.Voucher) error {
	seed, err := voucherSeed(v)
	if err != nil {
		return err
	}
	if v.ListingId != "" {
		listingId := chain.ListingID(common.HexToAddress(v.Creator), v.ContentURI, v.RoyaltyBasisPoints, v.Price, v.Pieces)
		if !strings.EqualFold(listingId.Hex(), v.ListingId) {
			return &schema.SignatureError{Expected: v.ListingId, Recovered: listingId.Hex()}
		}
	}
	hash := chain.MessageHash(v.ContentURI, v.RoyaltyBasisPoints, seed)
	if !strings.EqualFold(hash.Hex(), v.MessageHash) {
		return &schema.SignatureError{Expected: v.MessageHash, Recovered: hash.Hex()}
	}
	sig, err := hexutil.Decode(v.Signature)
	if err != nil {
		return schema.NewValidationError("signature", err.Error())
	}
	recovered, err := chain.RecoverSigner(hash, sig)
	if err != nil {
		return &schema.SignatureError{Expected: v.Creator, Recovered: err.Error()}
	}
	if recovered != common.HexToAddress(v.Creator) {
		return &schema.SignatureError{Expected: v.Creator, Recovered: recovered.Hex()}
	}
	return nil
}

// CheckVoucher runs the structural, cryptographic and duplicate gates in
// order and returns the first failure.
func (a *VoucherAuthority) CheckVoucher(v *schema.Voucher) error {
	if err := checkStructure(v); err != nil {
		return err
	}
	if err := checkSignature(v); err != nil {
		return err
	}
	sig, err := canonicalSignature(v.Signature)
	if err != nil {
		return err
	}
	if a.wdb.ExistVoucher(common.HexToAddress(v.Creator).Hex(), sig, strings.ToLower(v.MessageHash)) {
		return schema.ErrDuplicateVoucher
	}
	return nil
}

// canonicalSignature returns the lowercase hex of sig with v in {27, 28}, so
// both recovery id encodings of one signature compare equal.
func canonicalSignature(signature string) (string, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", schema.NewValidationError("signature", "must be 65 bytes")
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(sig), nil
}

// ValidateVoucher never returns an error: a malformed voucher is just invalid.
func (a *VoucherAuthority) ValidateVoucher(v *schema.Voucher) bool {
	if err := a.CheckVoucher(v); err != nil {
		log.Debug("invalid voucher", "err", err)
		return false
	}
	return true
}

// SubmitVoucher validates a voucher handed over by the listing side and
// stores it as pending.
func (a *VoucherAuthority) SubmitVoucher(sub schema.VoucherSubmission) (*schema.Voucher, error) {
	pieces := sub.Pieces
	if pieces == 0 {
		pieces = 1
	}
	now := a.now()
	v := &schema.Voucher{
		Network:            strings.ToLower(sub.Network),
		Creator:            sub.Creator,
		ContentURI:         sub.ContentURI,
		RoyaltyBasisPoints: sub.RoyaltyBasisPoints,
		Nonce:              sub.Nonce,
		ListingId:          sub.ListingId,
		Signature:          sub.Signature,
		MessageHash:        sub.MessageHash,
		Price:              sub.Price,
		Pieces:             pieces,
		RemainingPieces:    pieces,
		Status:             schema.VoucherPending,
		ExpiresAt:          now.Add(a.ttl),
	}
	if v.Network == "" {
		return nil, schema.NewValidationError("network", "required")
	}
	if v.Price.IsNegative() {
		return nil, schema.NewValidationError("price", "must not be negative")
	}
	if err := a.CheckVoucher(v); err != nil {
		return nil, err
	}
	v.Creator = common.HexToAddress(v.Creator).Hex()
	v.MessageHash = strings.ToLower(v.MessageHash)
	sig, err := canonicalSignature(v.Signature)
	if err != nil {
		return nil, err
	}
	v.Signature = sig
	if v.ListingId != "" {
		v.ListingId = strings.ToLower(v.ListingId)
	}
	if err := a.wdb.InsertVoucher(v); err != nil {
		// lost a race against an identical submission
		if a.wdb.ExistVoucher(v.Creator, v.Signature, v.MessageHash) {
			return nil, schema.ErrDuplicateVoucher
		}
		return nil, err
	}
	return v, nil
}

func (a *VoucherAuthority) GetVoucher(messageHash string) (*schema.Voucher, error) {
	return a.wdb.GetVoucherByHash(strings.ToLower(messageHash))
}

// GetCreatorNonce prefers the contract's nonce and degrades to the number of
// redeemed single-piece vouchers, then to zero. It never fails.
func (a *VoucherAuthority) GetCreatorNonce(ctx context.Context, network, creator string) *big.Int {
	addr := common.HexToAddress(creator)
	if a.contracts != nil && network != "" {
		c, err := a.contracts.Contract(ctx, network)
		if err == nil {
			var n *big.Int
			n, err = c.CreatorNonce(ctx, addr)
			if err == nil {
				return n
			}
		}
		log.Warn("read creator nonce from chain failed", "err", err, "network", network, "creator", addr.Hex())
	}
	count, err := a.wdb.CountRedeemedVouchers(addr.Hex())
	if err != nil {
		log.Warn("a.wdb.CountRedeemedVouchers(addr)", "err", err, "creator", addr.Hex())
		return big.NewInt(0)
	}
	return big.NewInt(count)
}

// ExpireVouchers flips pending vouchers past their expiry.
func (a *VoucherAuthority) ExpireVouchers(now time.Time) (int64, error) {
	return a.wdb.ExpireVouchers(now)
}

func (a *VoucherAuthority) CancelVoucher(messageHash, creator string) error {
	if !common.IsHexAddress(creator) {
		return schema.NewValidationError("creator", "must be a hex address")
	}
	err := a.wdb.CancelVoucher(strings.ToLower(messageHash), common.HexToAddress(creator).Hex())
	if errors.Is(err, schema.ErrVoucherNotPending) {
		if _, err2 := a.GetVoucher(messageHash); err2 != nil {
			return err2
		}
	}
	return err
}
