package chaintest

import (
	"math/big"

	"github.com/Durchex/piecesync/chain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type LogMeta struct {
	TxHash   common.Hash
	LogIndex uint
	Block    uint64
}

func pack(event string, values ...interface{}) []byte {
	data, err := chain.PieceABI.Events[event].Inputs.NonIndexed().Pack(values...)
	if err != nil {
		panic(err)
	}
	return data
}

func TransferSingleLog(contract, operator, from, to common.Address, id, value *big.Int, m LogMeta) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			chain.Topic(chain.EventTransferSingle),
			common.BytesToHash(operator.Bytes()),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        pack(chain.EventTransferSingle, id, value),
		TxHash:      m.TxHash,
		Index:       m.LogIndex,
		BlockNumber: m.Block,
	}
}

func VoucherRedeemedLog(contract, redeemer, creator common.Address, tokenId *big.Int, msgHash common.Hash, pieces *big.Int, m LogMeta) types.Log {
	var h [32]byte
	copy(h[:], msgHash.Bytes())
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			chain.Topic(chain.EventVoucherRedeemed),
			common.BytesToHash(redeemer.Bytes()),
			common.BytesToHash(creator.Bytes()),
			common.BigToHash(tokenId),
		},
		Data:        pack(chain.EventVoucherRedeemed, h, pieces),
		TxHash:      m.TxHash,
		Index:       m.LogIndex,
		BlockNumber: m.Block,
	}
}

func RoyaltyPaidLog(contract common.Address, tokenId *big.Int, receiver common.Address, amount *big.Int, m LogMeta) types.Log {
	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			chain.Topic(chain.EventRoyaltyPaid),
			common.BigToHash(tokenId),
			common.BytesToHash(receiver.Bytes()),
		},
		Data:        pack(chain.EventRoyaltyPaid, amount),
		TxHash:      m.TxHash,
		Index:       m.LogIndex,
		BlockNumber: m.Block,
	}
}

// SuccessReceipt wraps logs into a mined, successful receipt.
func SuccessReceipt(txHash common.Hash, block uint64, logs ...types.Log) *types.Receipt {
	ptrs := make([]*types.Log, 0, len(logs))
	for i := range logs {
		lg := logs[i]
		ptrs = append(ptrs, &lg)
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      txHash,
		BlockNumber: new(big.Int).SetUint64(block),
		Logs:        ptrs,
	}
}
