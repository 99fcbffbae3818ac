package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrReceiptNotFound = errors.New("receipt_not_found")

// Contract binds the piece contract at one address on one network.
type Contract struct {
	Network string
	address common.Address
	client  Client
}

func NewContract(network string, client Client, address common.Address) *Contract {
	return &Contract{
		Network: network,
		address: address,
		client:  client,
	}
}

func (c *Contract) Address() common.Address {
	return c.address
}

func (c *Contract) Client() Client {
	return c.client
}

// Handshake checks that the endpoint answers and returns its chain id.
func (c *Contract) Handshake(ctx context.Context) (*big.Int, error) {
	id, err := c.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id: %v", schema.ErrTransientChain, err)
	}
	return id, nil
}

func (c *Contract) BalanceOf(ctx context.Context, wallet common.Address, id *big.Int) (*big.Int, error) {
	return c.callUint(ctx, methodBalanceOf, wallet, id)
}

func (c *Contract) CreatorNonce(ctx context.Context, creator common.Address) (*big.Int, error) {
	return c.callUint(ctx, methodNonces, creator)
}

func (c *Contract) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	input, err := PieceABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", schema.ErrTransientChain, method, err)
	}
	if len(out) == 0 {
		// no code at address
		return nil, fmt.Errorf("%w: empty result from %s at %s", schema.ErrTransientChain, method, c.address.Hex())
	}
	values, err := PieceABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values[0].(*big.Int), nil
}

// Receipt returns ErrReceiptNotFound while the transaction is not mined.
func (c *Contract) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("%w: fetch receipt: %v", schema.ErrTransientChain, err)
	}
	if receipt == nil {
		return nil, ErrReceiptNotFound
	}
	return receipt, nil
}

// FindTransferSingle looks for a TransferSingle log emitted by this contract
// that moved piece id to the given wallet.
func (c *Contract) FindTransferSingle(receipt *types.Receipt, to common.Address, id *big.Int) (*TransferSingle, bool) {
	if receipt == nil {
		return nil, false
	}
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != c.address {
			continue
		}
		if len(lg.Topics) == 0 || lg.Topics[0] != Topic(EventTransferSingle) {
			continue
		}
		ev, err := ParseTransferSingle(*lg)
		if err != nil {
			continue
		}
		if ev.To == to && ev.Id.Cmp(id) == 0 {
			return ev, true
		}
	}
	return nil, false
}

func (c *Contract) TransferSingleLogs(ctx context.Context, fromBlock, toBlock uint64) ([]*TransferSingle, error) {
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{Topic(EventTransferSingle)}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs %d-%d: %v", schema.ErrTransientChain, fromBlock, toBlock, err)
	}
	res := make([]*TransferSingle, 0, len(logs))
	for _, lg := range logs {
		ev, err := ParseTransferSingle(lg)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, nil
}

// Subscribe streams logs of one event kind into ch.
func (c *Contract) Subscribe(ctx context.Context, event string, ch chan<- types.Log) (ethereum.Subscription, error) {
	if _, ok := PieceABI.Events[event]; !ok {
		return nil, fmt.Errorf("unknown event %s", event)
	}
	return c.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{Topic(event)}},
	}, ch)
}

func (c *Contract) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", schema.ErrTransientChain, err)
	}
	return n, nil
}
