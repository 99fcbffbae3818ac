package schema

import (
	"github.com/shopspring/decimal"
)

// VoucherSubmission is the payload accepted from the listing collaborator.
type VoucherSubmission struct {
	Network            string          `json:"network"`
	Creator            string          `json:"creator"`
	ContentURI         string          `json:"contentURI"`
	RoyaltyBasisPoints int             `json:"royaltyBasisPoints"`
	Signature          string          `json:"signature"`
	MessageHash        string          `json:"messageHash"`
	Nonce              string          `json:"nonce,omitempty"`
	ListingId          string          `json:"listingId,omitempty"`
	Pieces             int64           `json:"pieces"`
	Price              decimal.Decimal `json:"price"`
}

// TransferRequest is the payload accepted from the purchase collaborator.
type TransferRequest struct {
	Type            TransferType    `json:"type"`
	Network         string          `json:"network"`
	ItemId          string          `json:"itemId"`
	Buyer           string          `json:"buyer"`
	Seller          string          `json:"seller"`
	Quantity        int64           `json:"quantity"`
	PricePerPiece   decimal.Decimal `json:"pricePerPiece"`
	TransactionHash string          `json:"transactionHash"`
}

type RespNonce struct {
	Creator string `json:"creator"`
	Nonce   string `json:"nonce"`
}

type RespTransfer struct {
	RequestId string         `json:"requestId"`
	Status    TransferStatus `json:"status"`
	Attempts  int            `json:"attempts"`
}

type RespErr struct {
	Err string `json:"error"`
}

func (r RespErr) Error() string {
	return r.Err
}

type RespListener struct {
	Network string `json:"network"`
	State   string `json:"state"`
	Queued  int    `json:"queued"`
}

type RespInfo struct {
	Listeners []RespListener `json:"listeners"`
}

type RespReplay struct {
	Network  string `json:"network"`
	Replayed int    `json:"replayed"`
}
