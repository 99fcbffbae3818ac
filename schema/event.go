package schema

import (
	"fmt"
	"strings"
	"time"
)

type EventKind string

const (
	EventRedemption EventKind = "redemption"
	EventTransfer   EventKind = "transfer"
	EventRoyalty    EventKind = "royalty"
)

const (
	MaxEventAttempts   = 3
	DefaultQueueSize   = 1024
	DefaultRetryDelay  = time.Second
	DefaultDrainPeriod = time.Second
)

// QueuedEvent is a normalised contract log waiting to be applied by the
// listener. It only lives in process memory (and in the dead-letter bucket
// once it exhausts its attempts).
type QueuedEvent struct {
	Kind            EventKind `json:"kind"`
	Network         string    `json:"network"`
	Contract        string    `json:"contract"`
	TransactionHash string    `json:"transactionHash"`
	LogIndex        uint      `json:"logIndex"`
	BlockNumber     uint64    `json:"blockNumber"`

	Redemption *RedemptionPayload `json:"redemption,omitempty"`
	Transfer   *TransferPayload   `json:"transfer,omitempty"`
	Royalty    *RoyaltyPayload    `json:"royalty,omitempty"`

	Retries    int       `json:"retries"`
	NotBefore  time.Time `json:"notBefore"`
	ReceivedAt time.Time `json:"receivedAt"`
	LastErr    string    `json:"lastErr,omitempty"`
}

func EventKey(kind EventKind, txHash string, logIndex uint) string {
	return fmt.Sprintf("%s-%s-%d", kind, strings.ToLower(txHash), logIndex)
}

func (e QueuedEvent) Key() string {
	return EventKey(e.Kind, e.TransactionHash, e.LogIndex)
}

type RedemptionPayload struct {
	Redeemer    string `json:"redeemer"`
	Creator     string `json:"creator"`
	TokenId     string `json:"tokenId"`
	MessageHash string `json:"messageHash"`
	Pieces      int64  `json:"pieces"`
}

type TransferPayload struct {
	Operator string `json:"operator"`
	From     string `json:"from"`
	To       string `json:"to"`
	PieceId  string `json:"pieceId"`
	Amount   string `json:"amount"`
}

type RoyaltyPayload struct {
	PieceId  string `json:"pieceId"`
	Receiver string `json:"receiver"`
	Amount   string `json:"amount"`
}
