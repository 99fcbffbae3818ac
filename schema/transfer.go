package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferType string

const (
	PoolPurchase TransferType = "pool_purchase"
	LazyPurchase TransferType = "lazy_purchase"
)

type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferProcessing TransferStatus = "processing"
	TransferDone       TransferStatus = "done"
	TransferFailed     TransferStatus = "failed"
)

const (
	MaxReconcileAttempts = 5
	ReconcileBatchSize   = 50
)

// ClaimLease is how long a processing claim is honoured before another sweep
// may take the record over.
const ClaimLease = 10 * time.Minute

// PendingTransfer is an expected settlement created by the purchase path and
// confirmed by the reconciler.
type PendingTransfer struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	RequestId string    `gorm:"uniqueIndex:idx_transfer_request;size:36" json:"requestId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Type            TransferType    `gorm:"size:16" json:"type"`
	Network         string          `json:"network"`
	ItemId          string          `json:"itemId"`
	Buyer           string          `gorm:"size:42" json:"buyer"`
	Seller          string          `gorm:"size:42" json:"seller"`
	Quantity        int64           `json:"quantity"`
	PricePerPiece   decimal.Decimal `gorm:"type:varchar(78)" json:"pricePerPiece"`
	TransactionHash string          `gorm:"size:66" json:"transactionHash"`

	Status        TransferStatus `gorm:"index:idx_transfer_status;size:16" json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"lastAttemptAt,omitempty"`
	ErrMsg        string         `json:"errMsg,omitempty"`
}
