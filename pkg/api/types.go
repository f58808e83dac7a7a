package api

import "github.com/uhyunpark/triggerbook/pkg/events"

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// MarketInfo is a market's configuration plus its live pool state
type MarketInfo struct {
	Symbol      string `json:"symbol"` // e.g., "ETH-USDC"
	Token0      string `json:"token0"` // zero-side asset
	Token1      string `json:"token1"`
	Pool        string `json:"pool"`        // address holding the reserves
	Status      string `json:"status"`      // "Active", "Paused", "Settled"
	TickSpacing int64  `json:"tickSpacing"` // bucket step for conditional orders
	FeeBps      int64  `json:"feeBps"`
	Reserve0    int64  `json:"reserve0"`
	Reserve1    int64  `json:"reserve1"`
	Level       int64  `json:"level"`     // live discretized price
	Price       string `json:"price"`     // token1 per token0
	LastSwept   *int64 `json:"lastSwept"` // last level the engine swept to
}

// BucketInfo summarizes one (level, direction) bucket
type BucketInfo struct {
	Level      int64    `json:"level"`
	ZeroForOne bool     `json:"zeroForOne"`
	Open       []string `json:"open"`  // ids still OPEN, in placement order
	Total      int      `json:"total"` // ids ever placed in the bucket
}

// OrderInfo represents a conditional order (open or terminal)
type OrderInfo struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	Market       string `json:"market"`
	Type         string `json:"type"` // "STOP_LOSS", "TAKE_PROFIT", "BUY_STOP", "BUY_LIMIT"
	ZeroForOne   bool   `json:"zeroForOne"`
	AmountIn     int64  `json:"amountIn"`
	TriggerLevel int64  `json:"triggerLevel"`
	BucketLevel  int64  `json:"bucketLevel"`
	Status       string `json:"status"` // "open", "executed", "canceled"
	Seq          uint64 `json:"seq"`
	PlacedAt     int64  `json:"placedAt"`  // unix seconds
	UpdatedAt    int64  `json:"updatedAt"` // unix seconds
}

// BalanceInfo is an account's position in one asset
type BalanceInfo struct {
	Address         string `json:"address"`
	Asset           string `json:"asset"`
	Balance         int64  `json:"balance"`
	EngineAllowance int64  `json:"engineAllowance"` // what placements may still pull
	Nonce           uint64 `json:"nonce"`           // last consumed tx nonce
}

// ClaimInfo is a claim pool together with one holder's balance
type ClaimInfo struct {
	TokenID     string `json:"tokenId"`
	Market      string `json:"market"`
	Level       int64  `json:"level"`
	ZeroForOne  bool   `json:"zeroForOne"`
	Output      string `json:"output"`
	Claimable   int64  `json:"claimable"`
	TotalSupply int64  `json:"totalSupply"`
	Holder      string `json:"holder"`
	Balance     int64  `json:"balance"`
}

// ChainStatus represents the block producer's view
type ChainStatus struct {
	Height      uint64   `json:"height"`
	BlockTime   int64    `json:"blockTime"` // unix seconds of the head block
	StateHash   string   `json:"stateHash"`
	MempoolSize int      `json:"mempoolSize"`
	Markets     int      `json:"markets"`
	ChainID     string   `json:"chainId"`
	Engine      string   `json:"engine"` // engine escrow address
	IndexMode   string   `json:"indexMode"`
	Settlers    []string `json:"settlers"`
	Faucet      bool     `json:"faucet"`
}

// SubmitTxResponse is the response from POST /api/v1/tx
type SubmitTxResponse struct {
	Status  string `json:"status"` // "submitted"
	TxHash  string `json:"txHash"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["events", "market:ETH-USDC", "account:0x..."]
}

// WSAck confirms a subscription change
type WSAck struct {
	Type     string   `json:"type"` // "subscribed" or "unsubscribed"
	Channels []string `json:"channels"`
}

// WSEvent carries one committed engine event
type WSEvent struct {
	Type  string       `json:"type"` // "event"
	Event events.Event `json:"event"`
}
