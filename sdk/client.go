package sdk

import (
	"encoding/json"
	"fmt"

	"github.com/Durchex/piecesync/schema"
	"gopkg.in/h2non/gentleman.v2"
)

type Client struct {
	SCli *gentleman.Client
}

func New(url string) *Client {
	return &Client{
		SCli: gentleman.New().URL(url),
	}
}

func respError(resp *gentleman.Response) error {
	body := resp.Bytes()
	re := schema.RespErr{}
	if err := json.Unmarshal(body, &re); err == nil && re.Err != "" {
		return fmt.Errorf("resp failed: http code %d: %w", resp.StatusCode, re)
	}
	return fmt.Errorf("resp failed: http code %d: %s", resp.StatusCode, string(body))
}

func (c *Client) get(path string, out interface{}) error {
	req := c.SCli.Get()
	req.Path(path)
	resp, err := req.Send()
	if err != nil {
		return err
	}
	defer resp.Close()
	if !resp.Ok {
		return respError(resp)
	}
	return resp.JSON(out)
}

func (c *Client) post(path string, body, out interface{}) error {
	req := c.SCli.Post()
	req.Path(path)
	if body != nil {
		req.JSON(body)
	}
	resp, err := req.Send()
	if err != nil {
		return err
	}
	defer resp.Close()
	if !resp.Ok {
		return respError(resp)
	}
	return resp.JSON(out)
}

func (c *Client) GetInfo() (schema.RespInfo, error) {
	info := schema.RespInfo{}
	err := c.get("/info", &info)
	return info, err
}

// voucher

func (c *Client) SubmitVoucher(sub schema.VoucherSubmission) (*schema.Voucher, error) {
	v := &schema.Voucher{}
	if err := c.post("/vouchers", sub, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) GetVoucher(messageHash string) (*schema.Voucher, error) {
	v := &schema.Voucher{}
	if err := c.get(fmt.Sprintf("/vouchers/%s", messageHash), v); err != nil {
		return nil, err
	}
	return v, nil
}

func (c *Client) GetNonce(network, creator string) (schema.RespNonce, error) {
	n := schema.RespNonce{}
	err := c.get(fmt.Sprintf("/nonce/%s/%s", network, creator), &n)
	return n, err
}

// transfer

func (c *Client) SubmitTransfer(req schema.TransferRequest) (schema.RespTransfer, error) {
	res := schema.RespTransfer{}
	err := c.post("/transfers", req, &res)
	return res, err
}

func (c *Client) GetTransfer(requestId string) (schema.RespTransfer, error) {
	res := schema.RespTransfer{}
	err := c.get(fmt.Sprintf("/transfers/%s", requestId), &res)
	return res, err
}

// ledger

func (c *Client) GetHoldings(network, itemId string) ([]schema.PieceHolding, error) {
	res := make([]schema.PieceHolding, 0)
	err := c.get(fmt.Sprintf("/holdings/%s/%s", network, itemId), &res)
	return res, err
}

func (c *Client) GetTrades(network, itemId string) ([]schema.Trade, error) {
	res := make([]schema.Trade, 0)
	err := c.get(fmt.Sprintf("/trades/%s/%s", network, itemId), &res)
	return res, err
}

// dead letters

func (c *Client) GetDeadLetters(network string) ([]schema.QueuedEvent, error) {
	res := make([]schema.QueuedEvent, 0)
	err := c.get(fmt.Sprintf("/deadletters/%s", network), &res)
	return res, err
}

func (c *Client) ReplayDeadLetters(network string) (schema.RespReplay, error) {
	res := schema.RespReplay{}
	err := c.post(fmt.Sprintf("/deadletters/%s/replay", network), nil, &res)
	return res, err
}
