package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const (
	EventTransferSingle  = "TransferSingle"
	EventVoucherRedeemed = "VoucherRedeemed"
	EventRoyaltyPaid     = "RoyaltyPaid"

	methodBalanceOf = "balanceOf"
	methodNonces    = "nonces"
)

// pieceABI is the subset of the marketplace piece contract the services use.
const pieceABI = `[
	{"anonymous":false,"name":"TransferSingle","type":"event","inputs":[
		{"indexed":true,"name":"operator","type":"address"},
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"id","type":"uint256"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"anonymous":false,"name":"VoucherRedeemed","type":"event","inputs":[
		{"indexed":true,"name":"redeemer","type":"address"},
		{"indexed":true,"name":"creator","type":"address"},
		{"indexed":true,"name":"tokenId","type":"uint256"},
		{"indexed":false,"name":"messageHash","type":"bytes32"},
		{"indexed":false,"name":"pieces","type":"uint256"}]},
	{"anonymous":false,"name":"RoyaltyPaid","type":"event","inputs":[
		{"indexed":true,"name":"tokenId","type":"uint256"},
		{"indexed":true,"name":"receiver","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]},
	{"constant":true,"name":"balanceOf","type":"function","stateMutability":"view",
		"inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"constant":true,"name":"nonces","type":"function","stateMutability":"view",
		"inputs":[{"name":"creator","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]}
]`

var PieceABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(pieceABI))
	if err != nil {
		panic(err)
	}
	PieceABI = parsed
}
