package piecesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Durchex/piecesync/cache"
	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/inconshreveable/log15"
)

type ListenerState int

const (
	Uninitialized ListenerState = iota
	Connected
	Listening
	Stopped
)

func (s ListenerState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connected:
		return "connected"
	case Listening:
		return "listening"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var listenedEvents = []string{
	chain.EventVoucherRedeemed,
	chain.EventTransferSingle,
	chain.EventRoyaltyPaid,
}

// errDropEvent marks an event that can never succeed, e.g. a redemption of a
// voucher this service never recorded.
var errDropEvent = errors.New("drop_event")

// Listener follows the piece contract of one network and applies its events
// to the ledger.
type Listener struct {
	network   string
	contracts ContractSource
	wdb       *Wdb
	store     *Store
	seen      *cache.Cache
	publisher Publisher
	queue     *EventQueue
	baseDelay time.Duration
	log       log15.Logger

	lock     sync.Mutex
	state    ListenerState
	contract *chain.Contract
	subs     []ethereum.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	drainLock sync.Mutex
}

type ListenerOption func(l *Listener)

func WithQueueSize(size int) ListenerOption {
	return func(l *Listener) {
		l.queue = NewEventQueue(size)
	}
}

func WithRetryDelay(d time.Duration) ListenerOption {
	return func(l *Listener) {
		l.baseDelay = d
	}
}

func WithSeenCache(c *cache.Cache) ListenerOption {
	return func(l *Listener) {
		l.seen = c
	}
}

func WithPublisher(p Publisher) ListenerOption {
	return func(l *Listener) {
		l.publisher = p
	}
}

// NewListener builds a listener in the Uninitialized state. store may be nil,
// dead letters are then only logged.
func NewListener(network string, contracts ContractSource, wdb *Wdb, store *Store, opts ...ListenerOption) *Listener {
	l := &Listener{
		network:   strings.ToLower(network),
		contracts: contracts,
		wdb:       wdb,
		store:     store,
		publisher: nopPublisher{},
		queue:     NewEventQueue(schema.DefaultQueueSize),
		baseDelay: schema.DefaultRetryDelay,
		log:       log.New("network", strings.ToLower(network)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) State() ListenerState {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.state
}

func (l *Listener) QueueLen() int {
	return l.queue.Len()
}

// Connect resolves the network's contract and checks the endpoint answers.
func (l *Listener) Connect(ctx context.Context) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.state != Uninitialized && l.state != Stopped {
		return fmt.Errorf("%w: connect while %s", schema.ErrListenerState, l.state)
	}
	c, err := l.contracts.Contract(ctx, l.network)
	if err != nil {
		return err
	}
	chainId, err := c.Handshake(ctx)
	if err != nil {
		return err
	}
	l.contract = c
	l.state = Connected
	l.log.Info("listener connected", "chainId", chainId, "contract", c.Address().Hex())
	return nil
}

// Listen subscribes to the redemption, transfer and royalty events.
func (l *Listener) Listen(ctx context.Context) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.state != Connected {
		return fmt.Errorf("%w: listen while %s", schema.ErrListenerState, l.state)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	subs := make([]ethereum.Subscription, 0, len(listenedEvents))
	for _, event := range listenedEvents {
		ch := make(chan types.Log, 64)
		sub, err := l.contract.Subscribe(ctx, event, ch)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			cancel()
			return fmt.Errorf("%w: subscribe %s: %v", schema.ErrTransientChain, event, err)
		}
		subs = append(subs, sub)
		l.wg.Add(1)
		go l.forward(subCtx, event, sub, ch)
	}
	l.subs = subs
	l.cancel = cancel
	l.state = Listening
	l.log.Info("listener listening", "events", len(subs))
	return nil
}

func (l *Listener) Start(ctx context.Context) error {
	if err := l.Connect(ctx); err != nil {
		return err
	}
	return l.Listen(ctx)
}

func (l *Listener) forward(ctx context.Context, event string, sub ethereum.Subscription, ch <-chan types.Log) {
	defer l.wg.Done()
	for {
		select {
		case lg := <-ch:
			l.Handle(lg)
		case err := <-sub.Err():
			if err != nil {
				// stopped listeners are restarted by the connect job
				l.log.Error("subscription failed", "err", err, "event", event)
				go l.Stop()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop unsubscribes every event and clears the queue. A drain already
// running is allowed to finish.
func (l *Listener) Stop() {
	l.lock.Lock()
	if l.state == Stopped {
		l.lock.Unlock()
		return
	}
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.state = Stopped
	l.lock.Unlock()

	l.wg.Wait()
	l.queue.Clear()
	metricQueueLen(l.network, 0)
	l.log.Info("listener stopped")
}

// Handle normalises a raw log and enqueues it. It never blocks.
func (l *Listener) Handle(lg types.Log) {
	if lg.Removed {
		return
	}
	ev, ok := l.normalize(lg)
	if !ok {
		return
	}
	if l.seen != nil && l.seen.Seen(ev.Key()) {
		metricListenerEvent(l.network, ev.Kind, "duplicate")
		return
	}
	added, err := l.queue.Push(ev)
	if err != nil {
		metricListenerEvent(l.network, ev.Kind, "dropped")
		l.log.Error("l.queue.Push(ev)", "err", err, "key", ev.Key())
		return
	}
	if !added {
		metricListenerEvent(l.network, ev.Kind, "duplicate")
	}
}

func (l *Listener) normalize(lg types.Log) (schema.QueuedEvent, bool) {
	ev := schema.QueuedEvent{
		Network:         l.network,
		Contract:        lg.Address.Hex(),
		TransactionHash: lg.TxHash.Hex(),
		LogIndex:        lg.Index,
		BlockNumber:     lg.BlockNumber,
		ReceivedAt:      time.Now(),
	}
	if len(lg.Topics) == 0 {
		return ev, false
	}
	var err error
	switch lg.Topics[0] {
	case chain.Topic(chain.EventTransferSingle):
		var t *chain.TransferSingle
		if t, err = chain.ParseTransferSingle(lg); err == nil {
			if t.Mint() {
				metricListenerEvent(l.network, schema.EventTransfer, "mint_filtered")
				return ev, false
			}
			ev.Kind = schema.EventTransfer
			ev.Transfer = &schema.TransferPayload{
				Operator: t.Operator.Hex(),
				From:     t.From.Hex(),
				To:       t.To.Hex(),
				PieceId:  t.Id.String(),
				Amount:   t.Value.String(),
			}
		}
	case chain.Topic(chain.EventVoucherRedeemed):
		var r *chain.VoucherRedeemed
		if r, err = chain.ParseVoucherRedeemed(lg); err == nil {
			ev.Kind = schema.EventRedemption
			ev.Redemption = &schema.RedemptionPayload{
				Redeemer:    r.Redeemer.Hex(),
				Creator:     r.Creator.Hex(),
				TokenId:     r.TokenId.String(),
				MessageHash: r.MessageHash.Hex(),
				Pieces:      r.Pieces.Int64(),
			}
		}
	case chain.Topic(chain.EventRoyaltyPaid):
		var p *chain.RoyaltyPaid
		if p, err = chain.ParseRoyaltyPaid(lg); err == nil {
			ev.Kind = schema.EventRoyalty
			ev.Royalty = &schema.RoyaltyPayload{
				PieceId:  p.TokenId.String(),
				Receiver: p.Receiver.Hex(),
				Amount:   p.Amount.String(),
			}
		}
	default:
		return ev, false
	}
	if err != nil {
		l.log.Warn("decode contract log failed", "err", err, "tx", lg.TxHash.Hex(), "index", lg.Index)
		return ev, false
	}
	return ev, true
}

// Drain applies every event due at now and returns how many were applied.
// A failing event is retried with exponential backoff and dead-lettered
// after schema.MaxEventAttempts attempts.
func (l *Listener) Drain(ctx context.Context, now time.Time) int {
	l.drainLock.Lock()
	defer l.drainLock.Unlock()

	applied := 0
	for _, ev := range l.queue.Due(now) {
		err := l.apply(ctx, ev)
		switch {
		case err == nil:
			applied++
			if l.seen != nil {
				if err := l.seen.Mark(ev.Key()); err != nil {
					l.log.Warn("l.seen.Mark(key)", "err", err)
				}
			}
			metricListenerEvent(l.network, ev.Kind, "applied")
		case errors.Is(err, errDropEvent):
			l.log.Warn("drop event", "err", err, "key", ev.Key())
			metricListenerEvent(l.network, ev.Kind, "skipped")
		default:
			l.fail(ev, err, now)
		}
	}
	metricQueueLen(l.network, l.queue.Len())
	return applied
}

func (l *Listener) fail(ev schema.QueuedEvent, err error, now time.Time) {
	ev.Retries++
	ev.LastErr = err.Error()
	if ev.Retries >= schema.MaxEventAttempts {
		l.deadLetter(ev)
		return
	}
	ev.NotBefore = now.Add(backoff(l.baseDelay, ev.Retries))
	l.log.Warn("apply event failed, retry later", "err", err, "key", ev.Key(), "retries", ev.Retries, "notBefore", ev.NotBefore)
	metricListenerEvent(l.network, ev.Kind, "retried")
	l.queue.Retry(ev)
}

func (l *Listener) deadLetter(ev schema.QueuedEvent) {
	metricListenerEvent(l.network, ev.Kind, "dead_letter")
	l.log.Error("event dead-lettered", "err", schema.ErrDeadLetter, "key", ev.Key(), "lastErr", ev.LastErr, "block", ev.BlockNumber)
	if l.store == nil {
		return
	}
	if err := l.store.SaveDeadLetter(ev); err != nil {
		l.log.Error("l.store.SaveDeadLetter(ev)", "err", err, "key", ev.Key())
	}
}

// DeadLetters lists persisted dead letters of this network.
func (l *Listener) DeadLetters() ([]schema.QueuedEvent, error) {
	if l.store == nil {
		return nil, nil
	}
	all, err := l.store.LoadDeadLetters()
	if err != nil {
		return nil, err
	}
	res := make([]schema.QueuedEvent, 0, len(all))
	for _, ev := range all {
		if ev.Network == l.network {
			res = append(res, ev)
		}
	}
	return res, nil
}

// ReplayDeadLetters puts this network's dead letters back on the queue with
// a fresh attempt budget.
func (l *Listener) ReplayDeadLetters() (int, error) {
	evs, err := l.DeadLetters()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range evs {
		key := ev.Key()
		ev.Retries = 0
		ev.NotBefore = time.Time{}
		ev.LastErr = ""
		if _, err := l.queue.Push(ev); err != nil {
			return n, err
		}
		if err := l.store.DeleteDeadLetter(key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *Listener) apply(ctx context.Context, ev schema.QueuedEvent) error {
	switch ev.Kind {
	case schema.EventRedemption:
		return l.applyRedemption(ev)
	case schema.EventTransfer:
		return l.applyTransfer(ev)
	case schema.EventRoyalty:
		return l.applyRoyalty(ev)
	}
	return fmt.Errorf("%w: unknown kind %s", errDropEvent, ev.Kind)
}

func (l *Listener) applyRedemption(ev schema.QueuedEvent) error {
	p := ev.Redemption
	v, err := l.wdb.GetVoucherByHash(strings.ToLower(p.MessageHash))
	if errors.Is(err, schema.ErrVoucherNotFound) {
		return fmt.Errorf("%w: voucher %s not recorded", errDropEvent, p.MessageHash)
	}
	if err != nil {
		return err
	}
	rd := schema.VoucherRedemption{
		Network:         ev.Network,
		TransactionHash: ev.TransactionHash,
		LogIndex:        ev.LogIndex,
		Pieces:          p.Pieces,
	}
	applied, err := l.wdb.RedeemVoucher(v, rd, p.TokenId, p.Redeemer, ev.ReceivedAt)
	if err != nil {
		return err
	}
	if applied {
		if v, err = l.wdb.GetVoucherByHash(v.MessageHash); err == nil {
			l.publisher.PublishRedemption(*v)
		}
	}
	return nil
}

// itemForPiece returns the item bound to the piece id, registering the piece
// under its own id when the catalog does not know it yet.
func (l *Listener) itemForPiece(network, contract, pieceId string) (*schema.Item, error) {
	item, err := l.wdb.GetItemByPiece(network, pieceId)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, schema.ErrItemNotFound) {
		return nil, err
	}
	item = &schema.Item{Network: network, ItemId: pieceId, Contract: contract, PieceId: pieceId}
	if err := l.wdb.UpsertItem(item); err != nil {
		return nil, err
	}
	return l.wdb.GetItemByPiece(network, pieceId)
}

func (l *Listener) applyTransfer(ev schema.QueuedEvent) error {
	p := ev.Transfer
	item, err := l.itemForPiece(ev.Network, ev.Contract, p.PieceId)
	if err != nil {
		return err
	}
	_, err = l.wdb.AppendOwnership(item.ID, schema.OwnershipRecord{
		From:            p.From,
		To:              p.To,
		Amount:          p.Amount,
		TransactionHash: ev.TransactionHash,
		LogIndex:        ev.LogIndex,
		BlockNumber:     ev.BlockNumber,
		Timestamp:       ev.ReceivedAt,
	})
	return err
}

func (l *Listener) applyRoyalty(ev schema.QueuedEvent) error {
	p := ev.Royalty
	item, err := l.itemForPiece(ev.Network, ev.Contract, p.PieceId)
	if err != nil {
		return err
	}
	_, err = l.wdb.AddRoyaltyPayment(item.ID, schema.RoyaltyPayment{
		Network:         ev.Network,
		TransactionHash: ev.TransactionHash,
		LogIndex:        ev.LogIndex,
		ItemId:          item.ItemId,
		Receiver:        p.Receiver,
		Amount:          p.Amount,
		BlockNumber:     ev.BlockNumber,
	})
	return err
}
