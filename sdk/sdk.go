package sdk

import (
	"fmt"
	"math/big"

	"github.com/Durchex/piecesync/chain"
	"github.com/Durchex/piecesync/schema"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/everFinance/goether"
	"github.com/shopspring/decimal"
)

// SDK signs vouchers with a creator key and hands them to a piecesync server.
type SDK struct {
	Signer *goether.Signer
	Cli    *Client
}

func NewSDK(url string, signer *goether.Signer) *SDK {
	return &SDK{
		Signer: signer,
		Cli:    New(url),
	}
}

// SubmitVoucher signs a single-piece voucher with the creator's next nonce.
func (s *SDK) SubmitVoucher(network, contentURI string, royalty int, price decimal.Decimal) (*schema.Voucher, error) {
	n, err := s.Cli.GetNonce(network, s.Signer.Address.Hex())
	if err != nil {
		return nil, err
	}
	nonce, ok := new(big.Int).SetString(n.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid nonce %q", n.Nonce)
	}
	hash := chain.MessageHash(contentURI, royalty, nonce)
	sig, err := s.Signer.SignMsg(hash.Bytes())
	if err != nil {
		return nil, err
	}
	return s.Cli.SubmitVoucher(schema.VoucherSubmission{
		Network:            network,
		Creator:            s.Signer.Address.Hex(),
		ContentURI:         contentURI,
		RoyaltyBasisPoints: royalty,
		Signature:          hexutil.Encode(sig),
		MessageHash:        hash.Hex(),
		Nonce:              nonce.String(),
		Pieces:             1,
		Price:              price,
	})
}

// SubmitListing signs a multi-piece voucher for supply pieces at price each.
func (s *SDK) SubmitListing(network, contentURI string, royalty int, price decimal.Decimal, supply int64) (*schema.Voucher, error) {
	listingId := chain.ListingID(s.Signer.Address, contentURI, royalty, price, supply)
	hash := chain.MessageHash(contentURI, royalty, listingId.Big())
	sig, err := s.Signer.SignMsg(hash.Bytes())
	if err != nil {
		return nil, err
	}
	return s.Cli.SubmitVoucher(schema.VoucherSubmission{
		Network:            network,
		Creator:            s.Signer.Address.Hex(),
		ContentURI:         contentURI,
		RoyaltyBasisPoints: royalty,
		Signature:          hexutil.Encode(sig),
		MessageHash:        hash.Hex(),
		ListingId:          listingId.Hex(),
		Pieces:             supply,
		Price:              price,
	})
}
