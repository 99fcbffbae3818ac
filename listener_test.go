package piecesync

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/Durchex/piecesync/cache"
	"github.com/Durchex/piecesync/chain/chaintest"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type recordingPublisher struct {
	trades      []schema.Trade
	redemptions []schema.Voucher
}

func (p *recordingPublisher) PublishTrade(t schema.Trade)       { p.trades = append(p.trades, t) }
func (p *recordingPublisher) PublishRedemption(v schema.Voucher) { p.redemptions = append(p.redemptions, v) }

func newTestListener(t *testing.T, opts ...ListenerOption) (*Listener, *chaintest.FakeClient, *Wdb, *Store) {
	w := newTestWdb(t)
	store := newTestStore(t)
	cli, contracts := newTestChain()
	return NewListener(testNetwork, contracts, w, store, opts...), cli, w, store
}

func meta(tx string, index uint) chaintest.LogMeta {
	return chaintest.LogMeta{TxHash: common.HexToHash(tx), LogIndex: index, Block: 100}
}

func TestListener_StateMachine(t *testing.T) {
	l, cli, _, _ := newTestListener(t)
	ctx := context.Background()
	assert.Equal(t, Uninitialized, l.State())

	assert.ErrorIs(t, l.Listen(ctx), schema.ErrListenerState)

	require.NoError(t, l.Connect(ctx))
	assert.Equal(t, Connected, l.State())
	assert.ErrorIs(t, l.Connect(ctx), schema.ErrListenerState)

	require.NoError(t, l.Listen(ctx))
	assert.Equal(t, Listening, l.State())
	assert.Equal(t, 3, cli.ActiveSubscriptions())

	l.Stop()
	assert.Equal(t, Stopped, l.State())
	assert.Equal(t, 0, cli.ActiveSubscriptions())
	// stop twice is a no-op
	l.Stop()
}

func TestListener_ConnectFailures(t *testing.T) {
	w := newTestWdb(t)
	l := NewListener("mainnet", staticContracts{}, w, nil)
	assert.ErrorIs(t, l.Connect(context.Background()), schema.ErrNoRpcEndpoint)
	assert.Equal(t, Uninitialized, l.State())

	l2, cli, _, _ := newTestListener(t)
	cli.ChainIdErr = errors.New("connection refused")
	assert.ErrorIs(t, l2.Connect(context.Background()), schema.ErrTransientChain)
	assert.Equal(t, Uninitialized, l2.State())
}

func TestListener_SubscriptionToLedger(t *testing.T) {
	l, cli, w, _ := newTestListener(t)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx))
	defer l.Stop()

	require.NoError(t, w.UpsertItem(&schema.Item{Network: testNetwork, ItemId: "42", PieceId: "7", Contract: testContract.Hex()}))

	assert.Equal(t, 1, cli.Emit(chaintest.TransferSingleLog(testContract, alice, alice, bob, big.NewInt(7), big.NewInt(2), meta("0x01", 0))))
	assert.Equal(t, 1, cli.Emit(chaintest.RoyaltyPaidLog(testContract, big.NewInt(7), alice, big.NewInt(250), meta("0x01", 1))))
	// mint is filtered at the callback boundary
	assert.Equal(t, 1, cli.Emit(chaintest.TransferSingleLog(testContract, alice, common.Address{}, bob, big.NewInt(7), big.NewInt(1), meta("0x02", 0))))

	require.Eventually(t, func() bool { return l.QueueLen() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, l.Drain(ctx, time.Now()))

	item, err := w.GetItem(testNetwork, "42")
	require.NoError(t, err)
	history, err := item.History()
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, bob.Hex(), history[0].To)
	assert.Equal(t, "2", history[0].Amount)
	assert.Equal(t, "250", item.RoyaltyTotal.String())
}

func TestListener_Redemption(t *testing.T) {
	pub := &recordingPublisher{}
	l, _, w, _ := newTestListener(t, WithPublisher(pub))
	ctx := context.Background()
	v := insertVoucher(t, w, common.HexToHash("0xfeed").Hex(), 1, false)

	l.Handle(chaintest.VoucherRedeemedLog(testContract, bob, alice, big.NewInt(9), common.HexToHash("0xfeed"), big.NewInt(1), meta("0x05", 3)))
	// a redemption of a voucher never recorded is dropped, not retried
	l.Handle(chaintest.VoucherRedeemedLog(testContract, bob, alice, big.NewInt(10), common.HexToHash("0xbeef"), big.NewInt(1), meta("0x06", 0)))
	assert.Equal(t, 1, l.Drain(ctx, time.Now()))
	assert.Equal(t, 0, l.QueueLen())

	got, err := w.GetVoucherByHash(v.MessageHash)
	require.NoError(t, err)
	assert.Equal(t, schema.VoucherRedeemed, got.Status)
	assert.Equal(t, "9", got.TokenId)
	assert.Equal(t, bob.Hex(), got.Buyer)
	assert.Equal(t, common.HexToHash("0x05").Hex(), got.TransactionHash)
	require.Len(t, pub.redemptions, 1)
	assert.Equal(t, "9", pub.redemptions[0].TokenId)
}

func TestListener_Idempotent(t *testing.T) {
	seen, err := cache.NewLocalCache(time.Hour)
	require.NoError(t, err)
	l, _, w, _ := newTestListener(t, WithSeenCache(seen))
	ctx := context.Background()
	require.NoError(t, w.UpsertItem(&schema.Item{Network: testNetwork, ItemId: "42", PieceId: "7"}))

	transfer := chaintest.TransferSingleLog(testContract, alice, alice, bob, big.NewInt(7), big.NewInt(2), meta("0x01", 0))
	royalty := chaintest.RoyaltyPaidLog(testContract, big.NewInt(7), alice, big.NewInt(250), meta("0x01", 1))

	// duplicate while still queued
	l.Handle(transfer)
	l.Handle(transfer)
	l.Handle(royalty)
	assert.Equal(t, 2, l.QueueLen())
	assert.Equal(t, 2, l.Drain(ctx, time.Now()))

	// redelivered after being applied, filtered by the cache
	l.Handle(transfer)
	l.Handle(royalty)
	assert.Equal(t, 0, l.QueueLen())

	// without the cache the ledger writes still hold
	l.seen = nil
	l.Handle(transfer)
	l.Handle(royalty)
	assert.Equal(t, 2, l.Drain(ctx, time.Now()))

	item, err := w.GetItem(testNetwork, "42")
	require.NoError(t, err)
	history, err := item.History()
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, "250", item.RoyaltyTotal.String())
}

func TestListener_UnknownPieceRegistersItem(t *testing.T) {
	l, _, w, _ := newTestListener(t)
	l.Handle(chaintest.RoyaltyPaidLog(testContract, big.NewInt(99), alice, big.NewInt(5), meta("0x01", 0)))
	assert.Equal(t, 1, l.Drain(context.Background(), time.Now()))

	item, err := w.GetItemByPiece(testNetwork, "99")
	require.NoError(t, err)
	assert.Equal(t, "99", item.ItemId)
	assert.Equal(t, "5", item.RoyaltyTotal.String())
}

func TestListener_RetryThenDeadLetter(t *testing.T) {
	l, _, w, store := newTestListener(t, WithRetryDelay(time.Second))
	ctx := context.Background()
	require.NoError(t, w.UpsertItem(&schema.Item{Network: testNetwork, ItemId: "42", PieceId: "7"}))

	// an amount the ledger cannot parse fails on every attempt
	l.Handle(chaintest.TransferSingleLog(testContract, alice, alice, bob, big.NewInt(7), big.NewInt(1), meta("0x01", 0)))
	ev := schema.QueuedEvent{
		Kind: schema.EventRoyalty, Network: testNetwork, TransactionHash: "0x02", LogIndex: 0,
		Royalty: &schema.RoyaltyPayload{PieceId: "7", Receiver: alice.Hex(), Amount: "not-a-number"},
	}
	_, err := l.queue.Push(ev)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	assert.Equal(t, 1, l.Drain(ctx, now)) // first failure
	assert.Equal(t, 1, l.QueueLen())

	// backoff after the first failure is base * 2
	assert.Equal(t, 0, l.Drain(ctx, now.Add(1999*time.Millisecond)))
	assert.Equal(t, 1, l.QueueLen())
	assert.Equal(t, 0, l.Drain(ctx, now.Add(2*time.Second))) // second failure
	assert.Equal(t, 1, l.QueueLen())

	now = now.Add(2 * time.Second)
	assert.Equal(t, 0, l.Drain(ctx, now.Add(3*time.Second)))
	assert.Equal(t, 1, l.QueueLen())
	assert.Equal(t, 0, l.Drain(ctx, now.Add(4*time.Second))) // third failure
	assert.Equal(t, 0, l.QueueLen())

	letters, err := store.LoadDeadLetters()
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, ev.Key(), letters[0].Key())
	assert.Equal(t, schema.MaxEventAttempts, letters[0].Retries)
	assert.NotEmpty(t, letters[0].LastErr)

	// nothing retries forever
	assert.Equal(t, 0, l.Drain(ctx, now.Add(time.Hour)))

	n, err := l.ReplayDeadLetters()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, l.QueueLen())
	letters, err = store.LoadDeadLetters()
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestListener_QueueFullDrops(t *testing.T) {
	l, _, _, _ := newTestListener(t, WithQueueSize(2))
	for i := uint(0); i < 5; i++ {
		l.Handle(chaintest.TransferSingleLog(testContract, alice, alice, bob, big.NewInt(7), big.NewInt(1), meta("0x01", i)))
	}
	assert.Equal(t, 2, l.QueueLen())
}

func TestListener_StopClearsQueue(t *testing.T) {
	l, _, _, _ := newTestListener(t)
	require.NoError(t, l.Start(context.Background()))
	l.Handle(chaintest.TransferSingleLog(testContract, alice, alice, bob, big.NewInt(7), big.NewInt(1), meta("0x01", 0)))
	assert.Equal(t, 1, l.QueueLen())
	l.Stop()
	assert.Equal(t, 0, l.QueueLen())
}

func TestEventQueue_Order(t *testing.T) {
	q := NewEventQueue(8)
	now := time.Now()
	for i := uint(0); i < 3; i++ {
		added, err := q.Push(schema.QueuedEvent{Kind: schema.EventTransfer, TransactionHash: "0x01", LogIndex: i})
		require.NoError(t, err)
		assert.True(t, added)
	}
	q.Retry(schema.QueuedEvent{Kind: schema.EventRoyalty, TransactionHash: "0x02", NotBefore: now.Add(time.Second)})

	due := q.Due(now)
	require.Len(t, due, 3)
	for i, ev := range due {
		assert.Equal(t, uint(i), ev.LogIndex)
	}
	due = q.Due(now.Add(time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, schema.EventRoyalty, due[0].Kind)

	assert.Equal(t, 2*time.Second, backoff(time.Second, 1))
	assert.Equal(t, 4*time.Second, backoff(time.Second, 2))
}
