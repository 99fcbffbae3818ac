package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/chain/chaintest"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de1")
	buyer        = common.HexToAddress("0x0000000000000000000000000000000000000abc")
	seller       = common.HexToAddress("0x0000000000000000000000000000000000000def")
)

func TestParseTransferSingle(t *testing.T) {
	lg := chaintest.TransferSingleLog(contractAddr, seller, seller, buyer, big.NewInt(42), big.NewInt(3),
		chaintest.LogMeta{TxHash: common.HexToHash("0x01"), LogIndex: 2, Block: 10})
	ev, err := chain.ParseTransferSingle(lg)
	require.NoError(t, err)
	assert.Equal(t, seller, ev.Operator)
	assert.Equal(t, seller, ev.From)
	assert.Equal(t, buyer, ev.To)
	assert.Equal(t, "42", ev.Id.String())
	assert.Equal(t, "3", ev.Value.String())
	assert.False(t, ev.Mint())

	mint := chaintest.TransferSingleLog(contractAddr, seller, common.Address{}, buyer, big.NewInt(42), big.NewInt(1), chaintest.LogMeta{})
	ev, err = chain.ParseTransferSingle(mint)
	require.NoError(t, err)
	assert.True(t, ev.Mint())
}

func TestParseWrongTopic(t *testing.T) {
	lg := chaintest.RoyaltyPaidLog(contractAddr, big.NewInt(1), seller, big.NewInt(5), chaintest.LogMeta{})
	_, err := chain.ParseTransferSingle(lg)
	assert.True(t, errors.Is(err, chain.ErrUnexpectedLog))
}

func TestParseVoucherRedeemedAndRoyalty(t *testing.T) {
	msgHash := common.HexToHash("0xfeed")
	lg := chaintest.VoucherRedeemedLog(contractAddr, buyer, seller, big.NewInt(7), msgHash, big.NewInt(2), chaintest.LogMeta{})
	ev, err := chain.ParseVoucherRedeemed(lg)
	require.NoError(t, err)
	assert.Equal(t, buyer, ev.Redeemer)
	assert.Equal(t, seller, ev.Creator)
	assert.Equal(t, int64(7), ev.TokenId.Int64())
	assert.Equal(t, msgHash, ev.MessageHash)
	assert.Equal(t, int64(2), ev.Pieces.Int64())

	rl := chaintest.RoyaltyPaidLog(contractAddr, big.NewInt(7), seller, big.NewInt(1000), chaintest.LogMeta{})
	rp, err := chain.ParseRoyaltyPaid(rl)
	require.NoError(t, err)
	assert.Equal(t, seller, rp.Receiver)
	assert.Equal(t, "1000", rp.Amount.String())
}

func TestBalanceOfAndNonce(t *testing.T) {
	cli := chaintest.NewFakeClient()
	cli.SetBalance(buyer, big.NewInt(42), 9)
	cli.Nonces[seller] = big.NewInt(4)
	c := chain.NewContract("sepolia", cli, contractAddr)

	bal, err := c.BalanceOf(context.Background(), buyer, big.NewInt(42))
	require.NoError(t, err)
	assert.Equal(t, int64(9), bal.Int64())

	n, err := c.CreatorNonce(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n.Int64())

	cli.NonceErr = errors.New("execution reverted")
	_, err = c.CreatorNonce(context.Background(), seller)
	assert.True(t, errors.Is(err, schema.ErrTransientChain))
}

func TestReceiptAndFindTransfer(t *testing.T) {
	cli := chaintest.NewFakeClient()
	c := chain.NewContract("sepolia", cli, contractAddr)
	txHash := common.HexToHash("0xaa")

	_, err := c.Receipt(context.Background(), txHash)
	assert.Equal(t, chain.ErrReceiptNotFound, err)

	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	cli.AddReceipt(chaintest.SuccessReceipt(txHash, 5,
		// same event from a different contract must be ignored
		chaintest.TransferSingleLog(other, seller, seller, buyer, big.NewInt(42), big.NewInt(1), chaintest.LogMeta{TxHash: txHash}),
		chaintest.TransferSingleLog(contractAddr, seller, seller, buyer, big.NewInt(41), big.NewInt(1), chaintest.LogMeta{TxHash: txHash, LogIndex: 1}),
		chaintest.TransferSingleLog(contractAddr, seller, seller, buyer, big.NewInt(42), big.NewInt(2), chaintest.LogMeta{TxHash: txHash, LogIndex: 2}),
	))
	receipt, err := c.Receipt(context.Background(), txHash)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)

	ev, ok := c.FindTransferSingle(receipt, buyer, big.NewInt(42))
	require.True(t, ok)
	assert.Equal(t, uint(2), ev.Raw.Index)

	_, ok = c.FindTransferSingle(receipt, seller, big.NewInt(42))
	assert.False(t, ok)
}

func TestTransferSingleLogs(t *testing.T) {
	cli := chaintest.NewFakeClient()
	c := chain.NewContract("sepolia", cli, contractAddr)
	for i := uint64(1); i <= 5; i++ {
		cli.AddLogs(chaintest.TransferSingleLog(contractAddr, seller, seller, buyer, big.NewInt(42), big.NewInt(1), chaintest.LogMeta{Block: i * 10}))
	}
	cli.AddLogs(chaintest.RoyaltyPaidLog(contractAddr, big.NewInt(42), seller, big.NewInt(1), chaintest.LogMeta{Block: 20}))

	evs, err := c.TransferSingleLogs(context.Background(), 15, 40)
	require.NoError(t, err)
	assert.Equal(t, 3, len(evs))
}

type staticResolver map[string]schema.Network

func (s staticResolver) Network(name string) (schema.Network, bool) {
	n, ok := s[name]
	return n, ok
}

func TestRegistry(t *testing.T) {
	dials := 0
	resolver := staticResolver{
		"sepolia": {Rpc: "http://localhost:8545", Contract: contractAddr.Hex()},
		"nocode":  {Rpc: "http://localhost:8545"},
	}
	reg := chain.NewRegistry(resolver, func(ctx context.Context, endpoint string) (chain.Client, error) {
		dials++
		return chaintest.NewFakeClient(), nil
	})

	c1, err := reg.Contract(context.Background(), "sepolia")
	require.NoError(t, err)
	c2, err := reg.Contract(context.Background(), "sepolia")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, dials)

	_, err = reg.Contract(context.Background(), "polygon")
	assert.True(t, errors.Is(err, schema.ErrNoRpcEndpoint))
	_, err = reg.Contract(context.Background(), "nocode")
	assert.True(t, errors.Is(err, schema.ErrNoRpcEndpoint))
}
