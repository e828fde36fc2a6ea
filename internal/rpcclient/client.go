// Package rpcclient provides a JSON-RPC 2.0 client for the cohort query API.
package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingnet-cohorts/internal/rpc"
)

// Client is a JSON-RPC 2.0 HTTP client.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, 10*time.Second)
}

// NewWithTimeout creates a new RPC client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// request is a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes a JSON-RPC method and unmarshals the result into the provided pointer.
// If result is nil, the response result is discarded.
func (c *Client) Call(method string, params, result interface{}) error {
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}

	return nil
}

// Info returns the committed height and ledger count.
func (c *Client) Info() (rpc.InfoResult, error) {
	var out rpc.InfoResult
	err := c.Call("cohorts_getInfo", nil, &out)
	return out, err
}

// List returns the ledgers whose name starts with prefix.
func (c *Client) List(prefix string) ([]rpc.LedgerInfo, error) {
	var out []rpc.LedgerInfo
	err := c.Call("cohorts_list", rpc.ListParam{Prefix: prefix}, &out)
	return out, err
}

// Supply returns a ledger's supply. A nil height means the last committed one.
func (c *Client) Supply(ledger string, height *uint64) (rpc.SupplyResult, error) {
	var out rpc.SupplyResult
	err := c.Call("cohorts_getSupply", rpc.LedgerParam{Ledger: ledger, Height: height}, &out)
	return out, err
}

// Realized returns a ledger's realized cap and flows.
func (c *Client) Realized(ledger string, height *uint64) (rpc.RealizedResult, error) {
	var out rpc.RealizedResult
	err := c.Call("cohorts_getRealized", rpc.LedgerParam{Ledger: ledger, Height: height}, &out)
	return out, err
}

// Unrealized returns a ledger's unrealized profit and loss split.
func (c *Client) Unrealized(ledger string, height *uint64) (rpc.UnrealizedResult, error) {
	var out rpc.UnrealizedResult
	err := c.Call("cohorts_getUnrealized", rpc.LedgerParam{Ledger: ledger, Height: height}, &out)
	return out, err
}

// RollupValue returns one derived series value.
func (c *Client) RollupValue(ledger, metric string, height *uint64) (rpc.SeriesResult, error) {
	var out rpc.SeriesResult
	err := c.Call("rollup_getValue", rpc.SeriesParam{Ledger: ledger, Metric: metric, Height: height}, &out)
	return out, err
}
