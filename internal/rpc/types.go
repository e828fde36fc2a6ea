package rpc

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// LedgerParam selects one ledger at one height. A nil height means the
// last committed height.
type LedgerParam struct {
	Ledger string  `json:"ledger"`
	Height *uint64 `json:"height,omitempty"`
}

// SeriesParam selects one derived series value.
type SeriesParam struct {
	Ledger string  `json:"ledger"`
	Metric string  `json:"metric"`
	Height *uint64 `json:"height,omitempty"`
}

// ListParam filters cohorts_list by name prefix, e.g. "addr/" or "utxo/age_range/".
type ListParam struct {
	Prefix string `json:"prefix,omitempty"`
}

// ── Result types ────────────────────────────────────────────────────────

// InfoResult is returned by cohorts_getInfo.
type InfoResult struct {
	Height  uint64 `json:"height"` // committed heights
	Ledgers int    `json:"ledgers"`
	Priced  bool   `json:"priced"`
}

// LedgerInfo describes one ledger in cohorts_list.
type LedgerInfo struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Address bool   `json:"address"`
}

// SupplyResult is returned by cohorts_getSupply.
type SupplyResult struct {
	Ledger    string  `json:"ledger"`
	Height    uint64  `json:"height"`
	Sats      uint64  `json:"sats"`
	BTC       float64 `json:"btc"`
	UTXOCount uint64  `json:"utxo_count"`
	AddrCount uint64  `json:"addr_count"`
}

// RealizedResult is returned by cohorts_getRealized.
type RealizedResult struct {
	Ledger                 string  `json:"ledger"`
	Height                 uint64  `json:"height"`
	Cap                    float64 `json:"cap"`
	Profit                 float64 `json:"profit"`
	Loss                   float64 `json:"loss"`
	ValueCreated           float64 `json:"value_created"`
	ValueDestroyed         float64 `json:"value_destroyed"`
	AdjustedValueCreated   float64 `json:"adjusted_value_created"`
	AdjustedValueDestroyed float64 `json:"adjusted_value_destroyed"`
}

// UnrealizedResult is returned by cohorts_getUnrealized.
type UnrealizedResult struct {
	Ledger         string  `json:"ledger"`
	Height         uint64  `json:"height"`
	SupplyInProfit uint64  `json:"supply_in_profit"`
	SupplyInLoss   uint64  `json:"supply_in_loss"`
	SupplyEven     uint64  `json:"supply_even"`
	Profit         float64 `json:"profit"`
	Loss           float64 `json:"loss"`
	MinPrice       float64 `json:"min_price"`
	MaxPrice       float64 `json:"max_price"`
}

// SeriesResult is returned by rollup_getValue.
type SeriesResult struct {
	Ledger string  `json:"ledger"`
	Metric string  `json:"metric"`
	Height uint64  `json:"height"`
	Value  float64 `json:"value"`
}
