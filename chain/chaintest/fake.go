// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Durchex/piecesync/chain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type FakeClient struct {
	mu sync.Mutex

	ChainId  *big.Int
	Head     uint64
	MaxRange uint64 // FilterLogs rejects wider ranges when > 0

	Receipts    map[common.Hash]*types.Receipt
	Logs        []types.Log
	Balances    map[string]*big.Int
	BalanceErrs map[string]error
	Nonces      map[common.Address]*big.Int

	ChainIdErr  error
	ReceiptErr  error
	NonceErr    error
	BalanceCall int
	FilterCalls int

	subs []*FakeSubscription
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		ChainId:     big.NewInt(1),
		Receipts:    make(map[common.Hash]*types.Receipt),
		Balances:    make(map[string]*big.Int),
		BalanceErrs: make(map[string]error),
		Nonces:      make(map[common.Address]*big.Int),
	}
}

func balanceKey(wallet common.Address, id *big.Int) string {
	return wallet.Hex() + "-" + id.String()
}

func (f *FakeClient) SetBalance(wallet common.Address, id *big.Int, bal int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[balanceKey(wallet, id)] = big.NewInt(bal)
}

func (f *FakeClient) FailBalance(wallet common.Address, id *big.Int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BalanceErrs[balanceKey(wallet, id)] = err
}

func (f *FakeClient) AddReceipt(r *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Receipts[r.TxHash] = r
}

func (f *FakeClient) AddLogs(logs ...types.Log) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Logs = append(f.Logs, logs...)
}

func (f *FakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	if f.ChainIdErr != nil {
		return nil, f.ChainIdErr
	}
	return f.ChainId, nil
}

func (f *FakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Head, nil
}

func (f *FakeClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	r, ok := f.Receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *FakeClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FilterCalls++
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	if f.MaxRange > 0 && to-from+1 > f.MaxRange {
		return nil, fmt.Errorf("block range too large: %d", to-from+1)
	}
	res := make([]types.Log, 0)
	for _, lg := range f.Logs {
		if lg.BlockNumber < from || lg.BlockNumber > to {
			continue
		}
		if !matchQuery(q, lg) {
			continue
		}
		res = append(res, lg)
	}
	return res, nil
}

func matchQuery(q ethereum.FilterQuery, lg types.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == lg.Address {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
		if len(lg.Topics) == 0 {
			return false
		}
		found := false
		for _, t := range q.Topics[0] {
			if t == lg.Topics[0] {
				found = true
			}
		}
		return found
	}
	return true
}

func (f *FakeClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("short call data")
	}
	method, err := chain.PieceABI.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch method.Name {
	case "balanceOf":
		f.BalanceCall++
		key := balanceKey(args[0].(common.Address), args[1].(*big.Int))
		if err := f.BalanceErrs[key]; err != nil {
			return nil, err
		}
		bal, ok := f.Balances[key]
		if !ok {
			bal = big.NewInt(0)
		}
		return method.Outputs.Pack(bal)
	case "nonces":
		if f.NonceErr != nil {
			return nil, f.NonceErr
		}
		n, ok := f.Nonces[args[0].(common.Address)]
		if !ok {
			n = big.NewInt(0)
		}
		return method.Outputs.Pack(n)
	}
	return nil, fmt.Errorf("unsupported method %s", method.Name)
}

func (f *FakeClient) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &FakeSubscription{query: q, ch: ch, errCh: make(chan error, 1)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// Emit delivers a log to every live subscription whose filter matches.
func (f *FakeClient) Emit(lg types.Log) int {
	f.mu.Lock()
	subs := make([]*FakeSubscription, len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()

	n := 0
	for _, s := range subs {
		if s.closed() || !matchQuery(s.query, lg) {
			continue
		}
		s.ch <- lg
		n++
	}
	return n
}

func (f *FakeClient) ActiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs {
		if !s.closed() {
			n++
		}
	}
	return n
}

type FakeSubscription struct {
	query ethereum.FilterQuery
	ch    chan<- types.Log
	errCh chan error

	mu   sync.Mutex
	done bool
}

func (s *FakeSubscription) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.errCh)
	}
}

func (s *FakeSubscription) Err() <-chan error {
	return s.errCh
}

func (s *FakeSubscription) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
