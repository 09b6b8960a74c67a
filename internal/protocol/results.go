package protocol

import "time"

// EventType names an order lifecycle event.
type EventType string

const (
	EventOrderCreated         EventType = "order_created"
	EventOrderFilled          EventType = "order_filled"
	EventOrderCancelled       EventType = "order_cancelled"
	EventOrderInvalid         EventType = "order_invalid"
	EventOrderFilledPartially EventType = "order_filled_partially"
	EventOrderProcessing      EventType = "order_processing"
)

// Welcome is the result of connection_established.
type Welcome struct {
	ClientID  string    `json:"clientId"`
	Timestamp time.Time `json:"timestamp"`
}

// Pong answers ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}

// ResolverRegistered answers register_as_resolver.
type ResolverRegistered struct {
	Status     string `json:"status"`
	ResolverID string `json:"resolverId"`
}

// HeartbeatAck answers resolver_heartbeat.
type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}

// FillAccepted answers fill_order.
type FillAccepted struct {
	OrderHash  string `json:"orderHash"`
	Status     string `json:"status"`
	ResolverID string `json:"resolverId"`
}

// StatusAssignedToResolver is the FillAccepted status.
const StatusAssignedToResolver = "assigned_to_resolver"

// OrderEvent is the result of an order_event broadcast.
type OrderEvent struct {
	Event EventType      `json:"event"`
	Data  OrderEventData `json:"data"`
}

// OrderEventData describes the order an event refers to.
type OrderEventData struct {
	OrderHash  string            `json:"orderHash"`
	SrcChainID ChainID           `json:"srcChainId,omitempty"`
	DstChainID ChainID           `json:"dstChainId,omitempty"`
	Status     string            `json:"status"`
	Progress   int               `json:"progress"`
	TxHashes   map[string]string `json:"txHashes,omitempty"`
	Error      string            `json:"error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Subscribed answers subscribe_orders.
type Subscribed struct {
	Subscribed []string `json:"subscribed"`
}

// ActiveOrder is one entry of get_active_orders.
type ActiveOrder struct {
	OrderHash        string    `json:"orderHash"`
	Status           string    `json:"status"`
	SrcChainID       ChainID   `json:"srcChainId,omitempty"`
	DstChainID       ChainID   `json:"dstChainId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	Progress         int       `json:"progress"`
	AssignedResolver string    `json:"assignedResolver,omitempty"`
}

// ActiveOrders answers get_active_orders.
type ActiveOrders struct {
	Orders []ActiveOrder `json:"orders"`
	Total  int           `json:"total"`
}

// Quote answers get_quote.
type Quote struct {
	SrcChainID      ChainID     `json:"srcChainId"`
	DstChainID      ChainID     `json:"dstChainId"`
	SrcTokenAddress string      `json:"srcTokenAddress"`
	DstTokenAddress string      `json:"dstTokenAddress"`
	SrcAmount       string      `json:"srcAmount"`
	DstAmount       string      `json:"dstAmount"`
	ExchangeRate    float64     `json:"exchangeRate"`
	EstimatedGas    string      `json:"estimatedGas"`
	GasPrice        string      `json:"gasPrice"`
	Fees            QuoteFees   `json:"fees"`
	Route           []RouteStep `json:"route"`
	Timestamp       time.Time   `json:"timestamp"`
	ValidUntil      time.Time   `json:"validUntil"`
}

// QuoteFees is the fee breakdown of a quote.
type QuoteFees struct {
	ProtocolFee string `json:"protocolFee"`
	GasFee      string `json:"gasFee"`
}

// RouteStep is one hop of a quote route.
type RouteStep struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Exchange string `json:"exchange"`
}

// TimeLocks are relative escrow windows in seconds.
type TimeLocks struct {
	SrcWithdrawal         uint32 `json:"srcWithdrawal" yaml:"src_withdrawal"`
	SrcPublicWithdrawal   uint32 `json:"srcPublicWithdrawal" yaml:"src_public_withdrawal"`
	SrcCancellation       uint32 `json:"srcCancellation" yaml:"src_cancellation"`
	SrcPublicCancellation uint32 `json:"srcPublicCancellation" yaml:"src_public_cancellation"`
	DstWithdrawal         uint32 `json:"dstWithdrawal" yaml:"dst_withdrawal"`
	DstPublicWithdrawal   uint32 `json:"dstPublicWithdrawal" yaml:"dst_public_withdrawal"`
	DstCancellation       uint32 `json:"dstCancellation" yaml:"dst_cancellation"`
}

// DefaultTimeLocks are the windows of orders built by create_order. The
// resolver uses the same windows for the escrows it creates.
var DefaultTimeLocks = TimeLocks{
	SrcWithdrawal:         10,
	SrcPublicWithdrawal:   120,
	SrcCancellation:       121,
	SrcPublicCancellation: 122,
	DstWithdrawal:         10,
	DstPublicWithdrawal:   100,
	DstCancellation:       101,
}

// OrderCreated answers create_order.
type OrderCreated struct {
	OrderHash string       `json:"orderHash"`
	Status    string       `json:"status"`
	HashLock  string       `json:"hashLock"`
	TimeLocks TimeLocks    `json:"timeLocks"`
	Order     OrderPayload `json:"order"`
}

// AllowedMethods answers get_allowed_methods.
type AllowedMethods struct {
	Methods []Method `json:"methods"`
}
