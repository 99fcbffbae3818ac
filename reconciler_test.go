package piecesync

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/Durchex/piecesync/chain/chaintest"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var buyerAddr = common.HexToAddress("0x0000000000000000000000000000000000000abc")

func newTestReconciler(t *testing.T) (*Reconciler, *chaintest.FakeClient, *Wdb, *recordingPublisher) {
	w := newTestWdb(t)
	cli, contracts := newTestChain()
	pub := &recordingPublisher{}
	require.NoError(t, w.UpsertItem(&schema.Item{Network: testNetwork, ItemId: "42", PieceId: "7", Contract: testContract.Hex()}))
	return NewReconciler(w, contracts, pub), cli, w, pub
}

func submitTransfer(t *testing.T, r *Reconciler, network, tx string) *schema.PendingTransfer {
	p, err := r.Submit(schema.TransferRequest{
		Type:            schema.LazyPurchase,
		Network:         network,
		ItemId:          "42",
		Buyer:           "0xabc",
		Seller:          alice.Hex(),
		Quantity:        2,
		PricePerPiece:   decimal.RequireFromString("0.05"),
		TransactionHash: tx,
	})
	require.NoError(t, err)
	return p
}

func TestReconciler_Submit(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	p := submitTransfer(t, r, "Sepolia", common.HexToHash("0x01").Hex())
	assert.Len(t, p.RequestId, 36)
	assert.Equal(t, testNetwork, p.Network)
	assert.Equal(t, buyerAddr.Hex(), p.Buyer)
	assert.Equal(t, schema.TransferPending, p.Status)

	bad := []schema.TransferRequest{
		{Type: "gift", Network: testNetwork, ItemId: "42", Buyer: "0xabc", Quantity: 1, TransactionHash: common.HexToHash("0x01").Hex()},
		{Type: schema.PoolPurchase, Network: testNetwork, ItemId: "42", Buyer: "bob", Quantity: 1, TransactionHash: common.HexToHash("0x01").Hex()},
		{Type: schema.PoolPurchase, Network: testNetwork, ItemId: "42", Buyer: "0xabc", Quantity: 0, TransactionHash: common.HexToHash("0x01").Hex()},
		{Type: schema.PoolPurchase, Network: testNetwork, ItemId: "42", Buyer: "0xabc", Quantity: 1, TransactionHash: "0x01"},
		{Type: schema.PoolPurchase, ItemId: "42", Buyer: "0xabc", Quantity: 1, TransactionHash: common.HexToHash("0x01").Hex()},
	}
	for i, req := range bad {
		_, err := r.Submit(req)
		assert.ErrorIs(t, err, schema.ErrValidation, "case %d", i)
	}
}

func TestReconciler_NotMined(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	p := submitTransfer(t, r, testNetwork, common.HexToHash("0x01").Hex())

	assert.Equal(t, 1, r.Sweep(context.Background()))

	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.LastAttemptAt)
	assert.Contains(t, got.ErrMsg, schema.ErrNotYetConfirmed.Error())
}

func TestReconciler_Confirmed(t *testing.T) {
	r, cli, w, pub := newTestReconciler(t)
	tx := common.HexToHash("0x0d")
	p := submitTransfer(t, r, testNetwork, tx.Hex())

	// an unrelated transfer from another contract in the same receipt is ignored
	other := common.HexToAddress("0x0000000000000000000000000000000000000123")
	cli.AddReceipt(chaintest.SuccessReceipt(tx, 100,
		chaintest.TransferSingleLog(other, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(9), meta(tx.Hex(), 0)),
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(2), meta(tx.Hex(), 1)),
	))
	cli.SetBalance(buyerAddr, big.NewInt(7), 5)

	assert.Equal(t, 1, r.Sweep(context.Background()))

	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferDone, got.Status)

	h, err := w.GetHolding(testNetwork, "42", buyerAddr.Hex())
	require.NoError(t, err)
	assert.Equal(t, "5", h.Pieces)

	trades, err := w.GetTrades(testNetwork, "42")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, tx.Hex(), trades[0].TransactionHash)
	assert.Equal(t, schema.PrimaryBuy, trades[0].Direction)
	assert.Equal(t, "0.1", trades[0].TotalAmount.String())
	require.Len(t, pub.trades, 1)

	// a done record is never swept again
	assert.Equal(t, 0, r.Sweep(context.Background()))
	trades, err = w.GetTrades(testNetwork, "42")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestReconciler_DuplicateRequestsOneTrade(t *testing.T) {
	r, cli, w, _ := newTestReconciler(t)
	tx := common.HexToHash("0x0e")
	submitTransfer(t, r, testNetwork, tx.Hex())
	submitTransfer(t, r, testNetwork, tx.Hex())
	cli.AddReceipt(chaintest.SuccessReceipt(tx, 100,
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(2), meta(tx.Hex(), 0))))
	cli.SetBalance(buyerAddr, big.NewInt(7), 2)

	assert.Equal(t, 2, r.Sweep(context.Background()))
	trades, err := w.GetTrades(testNetwork, "42")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestReconciler_FailedReceiptAndMissingLog(t *testing.T) {
	r, cli, w, _ := newTestReconciler(t)
	reverted := common.HexToHash("0x0f")
	p1 := submitTransfer(t, r, testNetwork, reverted.Hex())
	rc := chaintest.SuccessReceipt(reverted, 100,
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(2), meta(reverted.Hex(), 0)))
	rc.Status = types.ReceiptStatusFailed
	cli.AddReceipt(rc)

	wrongPiece := common.HexToHash("0x10")
	p2 := submitTransfer(t, r, testNetwork, wrongPiece.Hex())
	cli.AddReceipt(chaintest.SuccessReceipt(wrongPiece, 100,
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(8), big.NewInt(2), meta(wrongPiece.Hex(), 0))))

	assert.Equal(t, 2, r.Sweep(context.Background()))
	for _, p := range []*schema.PendingTransfer{p1, p2} {
		got, err := w.GetPendingTransfer(p.RequestId)
		require.NoError(t, err)
		assert.Equal(t, schema.TransferPending, got.Status)
		assert.Equal(t, 1, got.Attempts)
	}
	assert.Equal(t, 0, cli.BalanceCall)
}

func TestReconciler_BalanceReadFailureRetries(t *testing.T) {
	r, cli, w, _ := newTestReconciler(t)
	tx := common.HexToHash("0x11")
	p := submitTransfer(t, r, testNetwork, tx.Hex())
	cli.AddReceipt(chaintest.SuccessReceipt(tx, 100,
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(2), meta(tx.Hex(), 0))))
	cli.FailBalance(buyerAddr, big.NewInt(7), errors.New("timeout"))

	r.Sweep(context.Background())
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferPending, got.Status)
	assert.Contains(t, got.ErrMsg, schema.ErrTransientChain.Error())
	trades, err := w.GetTrades(testNetwork, "42")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestReconciler_TerminalAfterFiveAttempts(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	p := submitTransfer(t, r, testNetwork, common.HexToHash("0x12").Hex())

	for i := 1; i <= schema.MaxReconcileAttempts; i++ {
		assert.Equal(t, 1, r.Sweep(context.Background()))
		got, err := w.GetPendingTransfer(p.RequestId)
		require.NoError(t, err)
		assert.Equal(t, i, got.Attempts)
		if i < schema.MaxReconcileAttempts {
			assert.Equal(t, schema.TransferPending, got.Status)
		} else {
			assert.Equal(t, schema.TransferFailed, got.Status)
		}
	}

	for i := 0; i < 3; i++ {
		assert.Equal(t, 0, r.Sweep(context.Background()))
	}
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferFailed, got.Status)
	assert.Equal(t, schema.MaxReconcileAttempts, got.Attempts)
}

func TestReconciler_NoEndpointIsSoftFailure(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	p := submitTransfer(t, r, "mainnet", common.HexToHash("0x13").Hex())

	assert.Equal(t, 1, r.Sweep(context.Background()))
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.ErrMsg, schema.ErrNoRpcEndpoint.Error())
}

func TestReconciler_ConcurrentSweepsClaimOnce(t *testing.T) {
	r, cli, w, _ := newTestReconciler(t)
	tx := common.HexToHash("0x14")
	p := submitTransfer(t, r, testNetwork, tx.Hex())
	cli.AddReceipt(chaintest.SuccessReceipt(tx, 100,
		chaintest.TransferSingleLog(testContract, alice, alice, buyerAddr, big.NewInt(7), big.NewInt(2), meta(tx.Hex(), 0))))
	cli.SetBalance(buyerAddr, big.NewInt(7), 2)

	r2 := NewReconciler(w, r.contracts, nil)
	var total int
	var lock sync.Mutex
	wg := sync.WaitGroup{}
	for _, rc := range []*Reconciler{r, r2, r, r2} {
		wg.Add(1)
		go func(rc *Reconciler) {
			defer wg.Done()
			n := rc.Sweep(context.Background())
			lock.Lock()
			total += n
			lock.Unlock()
		}(rc)
	}
	wg.Wait()
	assert.Equal(t, 1, total)

	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	trades, err := w.GetTrades(testNetwork, "42")
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestReconciler_ClockStampsAttempt(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return at }
	p := submitTransfer(t, r, testNetwork, common.HexToHash("0x15").Hex())
	r.Sweep(context.Background())
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, at.Equal(*got.LastAttemptAt))
}

func TestReconciler_ReclaimsExpiredLease(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	p := submitTransfer(t, r, testNetwork, common.HexToHash("0x16").Hex())

	// a worker claims the record and dies before releasing it
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ok, err := w.ClaimPendingTransfer(p.ID, 0, t0, t0.Add(-schema.ClaimLease))
	require.NoError(t, err)
	require.True(t, ok)

	r.now = func() time.Time { return t0.Add(time.Minute) }
	assert.Equal(t, 0, r.Sweep(context.Background()))
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)

	r.now = func() time.Time { return t0.Add(schema.ClaimLease + time.Second) }
	assert.Equal(t, 1, r.Sweep(context.Background()))
	got, err = w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferPending, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Contains(t, got.ErrMsg, schema.ErrNotYetConfirmed.Error())

	// the dead worker's late release is refused
	assert.ErrorIs(t, w.ReleasePendingTransfer(p.ID, 1, schema.TransferDone, "", nil), schema.ErrClaimLost)
}

func TestReconciler_ExpiredLeaseOnLastAttemptFails(t *testing.T) {
	r, _, w, _ := newTestReconciler(t)
	p := submitTransfer(t, r, testNetwork, common.HexToHash("0x17").Hex())

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.Db.Model(&schema.PendingTransfer{}).Where("id = ?", p.ID).Updates(map[string]interface{}{
		"status":          schema.TransferProcessing,
		"attempts":        schema.MaxReconcileAttempts,
		"last_attempt_at": t0,
	}).Error)

	r.now = func() time.Time { return t0.Add(schema.ClaimLease + time.Second) }
	assert.Equal(t, 1, r.Sweep(context.Background()))
	got, err := w.GetPendingTransfer(p.RequestId)
	require.NoError(t, err)
	assert.Equal(t, schema.TransferFailed, got.Status)
	assert.Contains(t, got.ErrMsg, "claim lease expired")

	assert.Equal(t, 0, r.Sweep(context.Background()))
}
