package piecesync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Reconciler confirms pending transfers against transaction receipts.
type Reconciler struct {
	wdb         *Wdb
	contracts   ContractSource
	publisher   Publisher
	batchSize   int
	concurrency int
	lease       time.Duration
	now         func() time.Time
}

func NewReconciler(wdb *Wdb, contracts ContractSource, publisher Publisher) *Reconciler {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Reconciler{
		wdb:         wdb,
		contracts:   contracts,
		publisher:   publisher,
		batchSize:   schema.ReconcileBatchSize,
		concurrency: 10,
		lease:       schema.ClaimLease,
		now:         time.Now,
	}
}

// Submit records an expected settlement created by the purchase path.
func (r *Reconciler) Submit(req schema.TransferRequest) (*schema.PendingTransfer, error) {
	if req.Type != schema.PoolPurchase && req.Type != schema.LazyPurchase {
		return nil, schema.NewValidationError("type", fmt.Sprintf("must be %s or %s", schema.PoolPurchase, schema.LazyPurchase))
	}
	if req.Network == "" || req.ItemId == "" {
		return nil, schema.NewValidationError("itemId", "network and itemId required")
	}
	if !common.IsHexAddress(req.Buyer) {
		return nil, schema.NewValidationError("buyer", "must be a hex address")
	}
	if req.Seller != "" && !common.IsHexAddress(req.Seller) {
		return nil, schema.NewValidationError("seller", "must be a hex address")
	}
	if len(common.FromHex(req.TransactionHash)) != common.HashLength {
		return nil, schema.NewValidationError("transactionHash", "must be 0x prefixed 32 bytes")
	}
	if req.Quantity <= 0 {
		return nil, schema.NewValidationError("quantity", "must be positive")
	}
	if req.PricePerPiece.IsNegative() {
		return nil, schema.NewValidationError("pricePerPiece", "must not be negative")
	}
	seller := ""
	if req.Seller != "" {
		seller = common.HexToAddress(req.Seller).Hex()
	}
	p := &schema.PendingTransfer{
		RequestId:       uuid.NewString(),
		Type:            req.Type,
		Network:         strings.ToLower(req.Network),
		ItemId:          req.ItemId,
		Buyer:           common.HexToAddress(req.Buyer).Hex(),
		Seller:          seller,
		Quantity:        req.Quantity,
		PricePerPiece:   req.PricePerPiece,
		TransactionHash: common.HexToHash(req.TransactionHash).Hex(),
		Status:          schema.TransferPending,
	}
	if err := r.wdb.InsertPendingTransfer(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Sweep claims up to one batch of pending records, plus records whose claim
// outlived the lease, and reconciles them. It returns the number of records
// this call claimed.
func (r *Reconciler) Sweep(ctx context.Context) int {
	now := r.now()
	staleBefore := now.Add(-r.lease)
	pending, err := r.wdb.GetPendingTransfers(r.batchSize, staleBefore)
	if err != nil {
		log.Error("r.wdb.GetPendingTransfers(batchSize, staleBefore)", "err", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}

	var claimed int32
	var wg sync.WaitGroup
	p, err := ants.NewPoolWithFunc(r.concurrency, func(i interface{}) {
		defer wg.Done()
		rec := i.(schema.PendingTransfer)
		ok, err := r.wdb.ClaimPendingTransfer(rec.ID, rec.Attempts, now, staleBefore)
		if err != nil {
			log.Error("r.wdb.ClaimPendingTransfer(id, attempts)", "err", err, "requestId", rec.RequestId)
			return
		}
		if !ok {
			return // claimed by another sweep
		}
		atomic.AddInt32(&claimed, 1)
		if rec.Status == schema.TransferProcessing {
			log.Warn("reclaim expired claim", "requestId", rec.RequestId, "attempts", rec.Attempts, "lastAttemptAt", rec.LastAttemptAt)
		}
		rec.Attempts++
		rec.LastAttemptAt = &now
		r.reconcile(ctx, rec)
	})
	if err != nil {
		log.Error("ants.NewPoolWithFunc", "err", err)
		return 0
	}
	defer p.Release()

	for _, rec := range pending {
		wg.Add(1)
		if err := p.Invoke(rec); err != nil {
			wg.Done()
			log.Error("p.Invoke(rec)", "err", err, "requestId", rec.RequestId)
		}
	}
	wg.Wait()
	return int(claimed)
}

// reconcile handles a claimed record, rec.Attempts already counts this attempt.
func (r *Reconciler) reconcile(ctx context.Context, rec schema.PendingTransfer) {
	var err error
	if rec.Attempts > schema.MaxReconcileAttempts {
		// the last attempt died holding its claim
		err = errors.New("claim lease expired after the last attempt")
	} else if err = r.confirm(ctx, rec); err == nil {
		metricReconcile(rec.Network, schema.TransferDone)
		return
	}
	if errors.Is(err, schema.ErrClaimLost) {
		log.Warn("pending transfer reclaimed by another sweep", "requestId", rec.RequestId, "attempts", rec.Attempts)
		return
	}

	status := schema.TransferPending
	if rec.Attempts >= schema.MaxReconcileAttempts {
		status = schema.TransferFailed
	}
	if relErr := r.wdb.ReleasePendingTransfer(rec.ID, rec.Attempts, status, err.Error(), nil); relErr != nil {
		if errors.Is(relErr, schema.ErrClaimLost) {
			log.Warn("pending transfer reclaimed by another sweep", "requestId", rec.RequestId, "attempts", rec.Attempts)
			return
		}
		log.Error("r.wdb.ReleasePendingTransfer(id, attempts, status)", "err", relErr, "requestId", rec.RequestId)
		return
	}
	metricReconcile(rec.Network, status)
	if status == schema.TransferFailed {
		log.Error("pending transfer needs manual action", "err", fmt.Errorf("%w: %v", schema.ErrTerminalReconciliation, err),
			"requestId", rec.RequestId, "attempts", rec.Attempts, "tx", rec.TransactionHash)
		return
	}
	log.Debug("pending transfer not settled yet", "err", err, "requestId", rec.RequestId, "attempts", rec.Attempts)
}

// pieceId returns the on-chain id of the record's item. Items missing from the
// catalog are addressed by their numeric item id.
func (r *Reconciler) pieceId(network, itemId string) (*big.Int, error) {
	raw := itemId
	item, err := r.wdb.GetItem(network, itemId)
	switch {
	case err == nil:
		raw = item.PieceId
	case !errors.Is(err, schema.ErrItemNotFound):
		return nil, err
	}
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", schema.ErrItemNotFound, network, itemId)
	}
	return id, nil
}

func (r *Reconciler) confirm(ctx context.Context, rec schema.PendingTransfer) error {
	contract, err := r.contracts.Contract(ctx, rec.Network)
	if err != nil {
		return err
	}
	pieceId, err := r.pieceId(rec.Network, rec.ItemId)
	if err != nil {
		return err
	}
	receipt, err := contract.Receipt(ctx, common.HexToHash(rec.TransactionHash))
	if err != nil {
		return fmt.Errorf("%w: %v", schema.ErrNotYetConfirmed, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: receipt status %d", schema.ErrNotYetConfirmed, receipt.Status)
	}
	buyer := common.HexToAddress(rec.Buyer)
	transfer, ok := contract.FindTransferSingle(receipt, buyer, pieceId)
	if !ok {
		return fmt.Errorf("%w: no transfer of piece %s to %s", schema.ErrNotYetConfirmed, pieceId, buyer.Hex())
	}
	balance, err := contract.BalanceOf(ctx, buyer, pieceId)
	if err != nil {
		return err
	}

	quantity := rec.Quantity
	if quantity <= 0 {
		quantity = transfer.Value.Int64()
	}
	trade := schema.Trade{
		Network:         rec.Network,
		ItemId:          rec.ItemId,
		Direction:       schema.PrimaryBuy,
		Seller:          rec.Seller,
		Buyer:           buyer.Hex(),
		Quantity:        quantity,
		PricePerPiece:   rec.PricePerPiece,
		TotalAmount:     rec.PricePerPiece.Mul(decimal.NewFromInt(quantity)),
		TransactionHash: rec.TransactionHash,
		Timestamp:       r.now(),
	}
	created := false
	err = r.wdb.Db.Transaction(func(dbTx *gorm.DB) error {
		if err := r.wdb.UpsertHolding(schema.PieceHolding{
			Network: rec.Network,
			ItemId:  rec.ItemId,
			Wallet:  buyer.Hex(),
			Pieces:  balance.String(),
		}, dbTx); err != nil {
			return err
		}
		var err error
		if created, err = r.wdb.InsertTrade(&trade, dbTx); err != nil {
			return err
		}
		return r.wdb.ReleasePendingTransfer(rec.ID, rec.Attempts, schema.TransferDone, "", dbTx)
	})
	if err != nil {
		return err
	}
	if created {
		r.publisher.PublishTrade(trade)
	}
	log.Info("pending transfer settled", "requestId", rec.RequestId, "tx", rec.TransactionHash, "balance", balance)
	return nil
}
