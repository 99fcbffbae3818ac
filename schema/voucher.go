package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

type VoucherStatus string

const (
	VoucherPending   VoucherStatus = "pending"
	VoucherRedeemed  VoucherStatus = "redeemed"
	VoucherExpired   VoucherStatus = "expired"
	VoucherCancelled VoucherStatus = "cancelled"
)

const (
	ContentURIScheme   = "ipfs://"
	MaxRoyalty         = 50
	SignatureHexLength = 130 // 65 bytes, without 0x prefix
	DefaultVoucherTTL  = 90 * 24 * time.Hour
)

// Voucher is an off-chain signed minting intent. Exactly one of Nonce and
// ListingId is set: Nonce in single-piece mode, ListingId in multi-piece mode.
type Voucher struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Network            string `gorm:"index:idx_voucher_network" json:"network"`
	Creator            string `gorm:"index:idx_voucher_creator;size:42" json:"creator"`
	ContentURI         string `json:"contentURI"`
	RoyaltyBasisPoints int    `json:"royaltyBasisPoints"`
	Nonce              string `json:"nonce,omitempty"`     // base-10 uint256
	ListingId          string `json:"listingId,omitempty"` // 0x-prefixed bytes32
	Signature          string `gorm:"uniqueIndex:idx_voucher_signature;size:132" json:"signature"`
	MessageHash        string `gorm:"index:idx_voucher_hash;size:66" json:"messageHash"`

	Price           decimal.Decimal `gorm:"type:varchar(78)" json:"price"`
	Pieces          int64           `json:"pieces"`
	RemainingPieces int64           `json:"remainingPieces"`

	Status    VoucherStatus `gorm:"index:idx_voucher_status;size:16" json:"status"`
	ExpiresAt time.Time     `json:"expiresAt"`

	// set on redemption
	TokenId         string     `json:"tokenId,omitempty"`
	Buyer           string     `json:"buyer,omitempty"`
	TransactionHash string     `json:"transactionHash,omitempty"`
	RedeemedAt      *time.Time `json:"redeemedAt,omitempty"`
}

func (v Voucher) MultiPiece() bool {
	return v.ListingId != ""
}

// VoucherRedemption records one on-chain redemption log so that replays of
// the same log never decrement a voucher twice.
type VoucherRedemption struct {
	ID              uint   `gorm:"primarykey"`
	Network         string `gorm:"uniqueIndex:idx_redemption_log,priority:1"`
	TransactionHash string `gorm:"uniqueIndex:idx_redemption_log,priority:2;size:66"`
	LogIndex        uint   `gorm:"uniqueIndex:idx_redemption_log,priority:3"`
	VoucherId       uint
	Pieces          int64
	CreatedAt       time.Time
}
