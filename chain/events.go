package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrUnexpectedLog = errors.New("unexpected_log")

type TransferSingle struct {
	Operator common.Address
	From     common.Address
	To       common.Address
	Id       *big.Int
	Value    *big.Int
	Raw      types.Log
}

// Mint reports whether the transfer originates from the zero address.
func (t TransferSingle) Mint() bool {
	return t.From == (common.Address{})
}

type VoucherRedeemed struct {
	Redeemer    common.Address
	Creator     common.Address
	TokenId     *big.Int
	MessageHash common.Hash
	Pieces      *big.Int
	Raw         types.Log
}

type RoyaltyPaid struct {
	TokenId  *big.Int
	Receiver common.Address
	Amount   *big.Int
	Raw      types.Log
}

func Topic(event string) common.Hash {
	return PieceABI.Events[event].ID
}

func checkLog(event string, lg types.Log, indexed int) error {
	if len(lg.Topics) != indexed+1 {
		return fmt.Errorf("%w: %s wants %d topics, got %d", ErrUnexpectedLog, event, indexed+1, len(lg.Topics))
	}
	if lg.Topics[0] != Topic(event) {
		return fmt.Errorf("%w: topic %s is not %s", ErrUnexpectedLog, lg.Topics[0].Hex(), event)
	}
	return nil
}

func ParseTransferSingle(lg types.Log) (*TransferSingle, error) {
	if err := checkLog(EventTransferSingle, lg, 3); err != nil {
		return nil, err
	}
	values, err := PieceABI.Unpack(EventTransferSingle, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", EventTransferSingle, err)
	}
	return &TransferSingle{
		Operator: common.BytesToAddress(lg.Topics[1].Bytes()),
		From:     common.BytesToAddress(lg.Topics[2].Bytes()),
		To:       common.BytesToAddress(lg.Topics[3].Bytes()),
		Id:       values[0].(*big.Int),
		Value:    values[1].(*big.Int),
		Raw:      lg,
	}, nil
}

func ParseVoucherRedeemed(lg types.Log) (*VoucherRedeemed, error) {
	if err := checkLog(EventVoucherRedeemed, lg, 3); err != nil {
		return nil, err
	}
	values, err := PieceABI.Unpack(EventVoucherRedeemed, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", EventVoucherRedeemed, err)
	}
	msgHash := values[0].([32]byte)
	return &VoucherRedeemed{
		Redeemer:    common.BytesToAddress(lg.Topics[1].Bytes()),
		Creator:     common.BytesToAddress(lg.Topics[2].Bytes()),
		TokenId:     new(big.Int).SetBytes(lg.Topics[3].Bytes()),
		MessageHash: common.BytesToHash(msgHash[:]),
		Pieces:      values[1].(*big.Int),
		Raw:         lg,
	}, nil
}

func ParseRoyaltyPaid(lg types.Log) (*RoyaltyPaid, error) {
	if err := checkLog(EventRoyaltyPaid, lg, 2); err != nil {
		return nil, err
	}
	values, err := PieceABI.Unpack(EventRoyaltyPaid, lg.Data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", EventRoyaltyPaid, err)
	}
	return &RoyaltyPaid{
		TokenId:  new(big.Int).SetBytes(lg.Topics[1].Bytes()),
		Receiver: common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount:   values[0].(*big.Int),
		Raw:      lg,
	}, nil
}
