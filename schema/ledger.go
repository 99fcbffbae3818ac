package schema

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TradeDirection string

const (
	PrimaryBuy   TradeDirection = "primary_buy"
	SecondaryBuy TradeDirection = "secondary_buy"
)

const MaxOwnershipHistory = 10

// Item binds a marketplace item to its on-chain piece id.
type Item struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Network  string `gorm:"uniqueIndex:idx_item,priority:1;uniqueIndex:idx_item_piece,priority:1" json:"network"`
	ItemId   string `gorm:"uniqueIndex:idx_item,priority:2" json:"itemId"`
	Contract string `gorm:"size:42" json:"contract"`
	PieceId  string `gorm:"uniqueIndex:idx_item_piece,priority:2" json:"pieceId"` // base-10 uint256

	OwnershipHistory datatypes.JSON  `json:"ownershipHistory"` // []OwnershipRecord, newest last
	RoyaltyTotal     decimal.Decimal `gorm:"type:varchar(78)" json:"royaltyTotal"`
}

func (i Item) History() ([]OwnershipRecord, error) {
	res := make([]OwnershipRecord, 0, MaxOwnershipHistory)
	if len(i.OwnershipHistory) == 0 {
		return res, nil
	}
	err := json.Unmarshal(i.OwnershipHistory, &res)
	return res, err
}

type OwnershipRecord struct {
	From            string    `json:"from"`
	To              string    `json:"to"`
	Amount          string    `json:"amount"`
	TransactionHash string    `json:"transactionHash"`
	LogIndex        uint      `json:"logIndex"`
	BlockNumber     uint64    `json:"blockNumber"`
	Timestamp       time.Time `json:"timestamp"`
}

// PieceHolding is the latest observed on-chain balance, never an accumulator.
type PieceHolding struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	UpdatedAt time.Time `json:"updatedAt"`

	Network string `gorm:"uniqueIndex:idx_holding,priority:1" json:"network"`
	ItemId  string `gorm:"uniqueIndex:idx_holding,priority:2" json:"itemId"`
	Wallet  string `gorm:"uniqueIndex:idx_holding,priority:3;size:42" json:"wallet"`
	Pieces  string `gorm:"type:varchar(78)" json:"pieces"` // base-10 uint256
}

// Trade is append-only.
type Trade struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"createdAt"`

	Network         string          `gorm:"uniqueIndex:idx_trade,priority:1" json:"network"`
	ItemId          string          `gorm:"uniqueIndex:idx_trade,priority:3" json:"itemId"`
	Direction       TradeDirection  `gorm:"size:16" json:"direction"`
	Seller          string          `gorm:"size:42" json:"seller"`
	Buyer           string          `gorm:"size:42" json:"buyer"`
	Quantity        int64           `json:"quantity"`
	PricePerPiece   decimal.Decimal `gorm:"type:varchar(78)" json:"pricePerPiece"`
	TotalAmount     decimal.Decimal `gorm:"type:varchar(78)" json:"totalAmount"`
	TransactionHash string          `gorm:"uniqueIndex:idx_trade,priority:2;size:66" json:"transactionHash"`
	Timestamp       time.Time       `json:"timestamp"`
}

type RoyaltyPayment struct {
	ID              uint   `gorm:"primarykey" json:"id"`
	Network         string `gorm:"uniqueIndex:idx_royalty_log,priority:1" json:"network"`
	TransactionHash string `gorm:"uniqueIndex:idx_royalty_log,priority:2;size:66" json:"transactionHash"`
	LogIndex        uint   `gorm:"uniqueIndex:idx_royalty_log,priority:3" json:"logIndex"`
	ItemId          string `json:"itemId"`
	Receiver        string `gorm:"size:42" json:"receiver"`
	Amount          string `gorm:"type:varchar(78)" json:"amount"` // base-10 wei
	BlockNumber     uint64 `json:"blockNumber"`
	CreatedAt       time.Time
}
