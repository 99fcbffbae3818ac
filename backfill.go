package piecesync

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/panjf2000/ants/v2"
)

const DefaultBackfillBatch = 2000

type BackfillOptions struct {
	Network    string
	StartBlock uint64
	// EndBlock 0 means the chain head at start.
	EndBlock  uint64
	BatchSize uint64
	// Resume continues after the saved cursor when it is past StartBlock.
	Resume      bool
	Concurrency int
}

type BackfillResult struct {
	FromBlock uint64
	ToBlock   uint64
	Batches   int
	Pairs     int
	Updated   int
	Failed    int
	// CursorHeld is set once a batch had failed reads, the saved cursor then
	// stays before that batch.
	CursorHeld bool
}

// Backfill recomputes PieceHolding from TransferSingle logs and balanceOf
// reads. It may be run any number of times over any range.
type Backfill struct {
	wdb      *Wdb
	store    *Store
	contract *chain.Contract
}

// NewBackfill builds a backfill over one contract. store may be nil, no
// cursor is kept then.
func NewBackfill(wdb *Wdb, store *Store, contract *chain.Contract) *Backfill {
	return &Backfill{wdb: wdb, store: store, contract: contract}
}

type holdingPair struct {
	wallet  common.Address
	pieceId *big.Int
}

func (b *Backfill) Run(ctx context.Context, opts BackfillOptions) (*BackfillResult, error) {
	if opts.BatchSize == 0 {
		opts.BatchSize = DefaultBackfillBatch
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	network := strings.ToLower(opts.Network)
	if network == "" {
		network = strings.ToLower(b.contract.Network)
	}
	contract := b.contract.Address().Hex()

	from := opts.StartBlock
	if opts.Resume && b.store != nil {
		cursor, err := b.store.LoadBackfillCursor(network, contract)
		switch {
		case err == nil:
			if cursor+1 > from {
				from = cursor + 1
			}
		case !errors.Is(err, schema.ErrNotExist):
			return nil, err
		}
	}
	to := opts.EndBlock
	if to == 0 {
		head, err := b.contract.LatestBlock(ctx)
		if err != nil {
			return nil, err
		}
		to = head
	}
	res := &BackfillResult{FromBlock: from, ToBlock: to}
	if from > to {
		log.Info("backfill has nothing to scan", "network", network, "from", from, "to", to)
		return res, nil
	}

	for start := from; start <= to; start += opts.BatchSize {
		end := start + opts.BatchSize - 1
		if end > to || end < start {
			end = to
		}
		transfers, err := b.contract.TransferSingleLogs(ctx, start, end)
		if err != nil {
			return res, fmt.Errorf("scan %d-%d: %w", start, end, err)
		}
		pairs := distinctPairs(transfers)
		updated, failed := b.refresh(ctx, network, pairs, opts.Concurrency)
		res.Batches++
		res.Pairs += len(pairs)
		res.Updated += updated
		res.Failed += failed

		// a batch with failed reads is rescanned on resume
		if failed > 0 && !res.CursorHeld {
			res.CursorHeld = true
			log.Warn("backfill cursor held", "network", network, "from", start, "to", end, "failed", failed)
		}
		if !res.CursorHeld {
			if b.store != nil {
				if err := b.store.SaveBackfillCursor(network, contract, end); err != nil {
					log.Error("b.store.SaveBackfillCursor", "err", err, "network", network, "block", end)
				}
			}
			metricBackfillCursor(network, contract, end)
		}
		log.Info("backfill batch done", "network", network, "from", start, "to", end, "logs", len(transfers), "pairs", len(pairs), "failed", failed)
		if end == to {
			break
		}
	}
	return res, nil
}

// distinctPairs collects every (wallet, pieceId) touched by the logs except
// the zero address.
func distinctPairs(transfers []*chain.TransferSingle) []holdingPair {
	seen := make(map[string]struct{})
	pairs := make([]holdingPair, 0)
	add := func(wallet common.Address, id *big.Int) {
		if wallet == (common.Address{}) {
			return
		}
		key := wallet.Hex() + "-" + id.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		pairs = append(pairs, holdingPair{wallet: wallet, pieceId: id})
	}
	for _, t := range transfers {
		add(t.From, t.Id)
		add(t.To, t.Id)
	}
	return pairs
}

func (b *Backfill) refresh(ctx context.Context, network string, pairs []holdingPair, concurrency int) (updated, failed int) {
	if len(pairs) == 0 {
		return
	}
	var ok, bad int32
	var wg sync.WaitGroup
	p, err := ants.NewPoolWithFunc(concurrency, func(i interface{}) {
		defer wg.Done()
		pair := i.(holdingPair)
		if err := b.refreshPair(ctx, network, pair); err != nil {
			atomic.AddInt32(&bad, 1)
			metricBackfillPair(network, "failed")
			log.Error("backfill balance refresh failed", "err", err, "network", network, "wallet", pair.wallet.Hex(), "pieceId", pair.pieceId)
			return
		}
		atomic.AddInt32(&ok, 1)
		metricBackfillPair(network, "updated")
	})
	if err != nil {
		log.Error("ants.NewPoolWithFunc", "err", err)
		return 0, len(pairs)
	}
	defer p.Release()

	for _, pair := range pairs {
		wg.Add(1)
		if err := p.Invoke(pair); err != nil {
			wg.Done()
			atomic.AddInt32(&bad, 1)
			log.Error("p.Invoke(pair)", "err", err)
		}
	}
	wg.Wait()
	return int(ok), int(bad)
}

func (b *Backfill) refreshPair(ctx context.Context, network string, pair holdingPair) error {
	balance, err := b.contract.BalanceOf(ctx, pair.wallet, pair.pieceId)
	if err != nil {
		return err
	}
	itemId := pair.pieceId.String()
	item, err := b.wdb.GetItemByPiece(network, itemId)
	switch {
	case err == nil:
		itemId = item.ItemId
	case !errors.Is(err, schema.ErrItemNotFound):
		return err
	}
	return b.wdb.UpsertHolding(schema.PieceHolding{
		Network: network,
		ItemId:  itemId,
		Wallet:  pair.wallet.Hex(),
		Pieces:  balance.String(),
	}, nil)
}
