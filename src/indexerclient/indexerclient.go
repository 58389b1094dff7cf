// Package indexerclient implements chain.Client against a WhatsOnChain style
// REST indexer.
package indexerclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/0xb10c/treasury-go/src/chain"
	"github.com/0xb10c/treasury-go/src/types"
)

const maxBodySize = 32 << 20

// Client talks to the indexer REST API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     logrus.FieldLogger
}

// New returns a client for baseURL, e.g.
// https://api.whatsonchain.com/v1/bsv/main. apiKey may be empty.
func New(baseURL, apiKey string, httpClient *http.Client, log logrus.FieldLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
		log:     log.WithField("component", "indexer"),
	}
}

type unspentResponse struct {
	Height int64  `json:"height"`
	TxPos  uint32 `json:"tx_pos"`
	TxHash string `json:"tx_hash"`
	Value  uint64 `json:"value"`
}

type chainInfoResponse struct {
	Blocks int64 `json:"blocks"`
}

type spentResponse struct {
	TxID string `json:"txid"`
	Vin  uint32 `json:"vin"`
}

type broadcastRequest struct {
	TxHex string `json:"txhex"`
}

// do performs the request. A nil body and false are returned for 404.
func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) ([]byte, bool, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, false, errors.Wrapf(err, "%s: could not encode request", op)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, errors.Wrapf(err, "%s: could not create request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("woc-api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, &chain.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, false, &chain.NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 300:
		return nil, false, &chain.NodeError{
			Code:    resp.StatusCode,
			Message: strings.TrimSpace(string(respBody)),
		}
	}
	return respBody, true, nil
}

func (c *Client) BlockCount(ctx context.Context) (int64, error) {
	body, ok, err := c.do(ctx, "chaininfo", http.MethodGet, "/chain/info", nil)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &chain.NodeError{Code: http.StatusNotFound, Message: "chain info not found"}
	}
	var info chainInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, errors.Wrap(err, "could not decode chain info")
	}
	return info.Blocks, nil
}

// ListUnspent lists the unspent outputs of a P2PKH address. The locking
// script is derived from the address since the indexer does not return it.
func (c *Client) ListUnspent(ctx context.Context, address string) ([]chain.Unspent, error) {
	script, err := bscript.NewP2PKHFromAddress(address)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid address %s", address)
	}

	body, ok, err := c.do(ctx, "listunspent", http.MethodGet, "/address/"+url.PathEscape(address)+"/unspent", nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &chain.NodeError{Code: http.StatusNotFound, Message: "address " + address + " not found"}
	}
	var resp []unspentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "could not decode unspent outputs")
	}

	var tip int64
	for _, u := range resp {
		if u.Height > 0 {
			if tip, err = c.BlockCount(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	res := make([]chain.Unspent, 0, len(resp))
	for _, u := range resp {
		txid, err := types.NormalizeTxID(u.TxHash)
		if err != nil {
			return nil, err
		}
		var confirmations int64
		if u.Height > 0 && tip >= u.Height {
			confirmations = tip - u.Height + 1
		}
		res = append(res, chain.Unspent{
			TxID:          txid,
			Vout:          u.TxPos,
			Satoshis:      u.Value,
			ScriptPubKey:  script.String(),
			Confirmations: confirmations,
		})
	}
	return res, nil
}

func (c *Client) GetRawTransaction(ctx context.Context, txid string) ([]byte, error) {
	body, ok, err := c.do(ctx, "getrawtransaction", http.MethodGet, "/tx/"+txid+"/hex", nil)
	if err != nil || !ok {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.Trim(strings.TrimSpace(string(body)), `"`))
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode raw transaction %s", txid)
	}
	return raw, nil
}

// Broadcast submits a raw transaction. Transport failures and server errors
// leave the outcome undetermined and are reported as
// *chain.BroadcastUnknownError.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	body, ok, err := c.do(ctx, "broadcast", http.MethodPost, "/tx/raw", broadcastRequest{TxHex: hex.EncodeToString(rawTx)})

	var nodeErr *chain.NodeError
	switch {
	case errors.As(err, &nodeErr) && nodeErr.Code < 500:
		return "", err
	case err != nil:
		return "", &chain.BroadcastUnknownError{TxID: chain.RawTxID(rawTx), Err: err}
	case !ok:
		return "", &chain.NodeError{Code: http.StatusNotFound, Message: "broadcast endpoint not found"}
	}

	var txid string
	if err := json.Unmarshal(body, &txid); err != nil {
		txid = strings.TrimSpace(string(body))
	}
	txid, err = types.NormalizeTxID(txid)
	if err != nil {
		return "", &chain.BroadcastUnknownError{TxID: chain.RawTxID(rawTx), Err: errors.Wrap(err, "unexpected broadcast response")}
	}
	c.log.WithField("txid", txid).Debug("broadcast accepted")
	return txid, nil
}

// SpendingTxID looks up the transaction spending op.
func (c *Client) SpendingTxID(ctx context.Context, op types.Outpoint) (string, bool, error) {
	body, ok, err := c.do(ctx, "spent", http.MethodGet, fmt.Sprintf("/tx/%s/%d/spent", op.TxID, op.Vout), nil)
	if err != nil || !ok {
		return "", false, err
	}
	var resp spentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", false, errors.Wrap(err, "could not decode spent response")
	}
	txid, err := types.NormalizeTxID(resp.TxID)
	if err != nil {
		return "", false, err
	}
	return txid, true, nil
}

var _ chain.Client = (*Client)(nil)
var _ chain.SpendResolver = (*Client)(nil)
