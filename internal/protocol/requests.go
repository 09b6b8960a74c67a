package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Request is the closed set of decoded request payloads. Only types in this
// package implement it.
type Request interface {
	Method() Method
	Validate() error
	isRequest()
}

// ChainID is a numeric chain identifier. It decodes from either a JSON number
// or a decimal string, since both forms are seen from browser clients.
type ChainID uint64

func (c *ChainID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chain id %s", data)
	}
	*c = ChainID(v)
	return nil
}

func (c ChainID) String() string { return strconv.FormatUint(uint64(c), 10) }

// OrderPayload is the signed limit order as submitted by the maker. Addresses
// are hex strings and amounts base-unit integers encoded as strings.
type OrderPayload struct {
	Salt         string `json:"salt"`
	Maker        string `json:"maker"`
	Receiver     string `json:"receiver"`
	MakerAsset   string `json:"makerAsset"`
	TakerAsset   string `json:"takerAsset"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
	MakerTraits  string `json:"makerTraits"`
}

// Validate checks the fields every pipeline needs.
func (o *OrderPayload) Validate() error {
	switch {
	case o.Maker == "":
		return missing("order.maker")
	case o.MakingAmount == "":
		return missing("order.makingAmount")
	case o.TakingAmount == "":
		return missing("order.takingAmount")
	}
	return nil
}

// Assignment is the order data a resolver needs to execute a fill. It is the
// body of both fill_order and resolve_order.
type Assignment struct {
	OrderHash  string        `json:"orderHash"`
	Order      *OrderPayload `json:"order,omitempty"`
	Signature  string        `json:"signature,omitempty"`
	Extension  string        `json:"extension,omitempty"`
	SrcChainID ChainID       `json:"srcChainId,omitempty"`
	DstChainID ChainID       `json:"dstChainId,omitempty"`
	Secret     string        `json:"secret,omitempty"`
	// MoveAddress is the full Move-chain receiver or maker when the order
	// only carries its 20-byte EVM-compatible form.
	MoveAddress string `json:"moveAddress,omitempty"`
}

func (a *Assignment) normalize() {
	a.OrderHash = helpers.NormalizeHash(a.OrderHash)
}

// HasPayload reports whether the full signed order travelled with the request.
func (a *Assignment) HasPayload() bool {
	return a.Order != nil
}

// Ping checks the link.
type Ping struct{}

func (Ping) Method() Method  { return MethodPing }
func (Ping) Validate() error { return nil }
func (Ping) isRequest()      {}

// RegisterAsResolver upgrades the sending connection to a resolver.
type RegisterAsResolver struct {
	ResolverID   string   `json:"resolverId,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (RegisterAsResolver) Method() Method  { return MethodRegisterAsResolver }
func (RegisterAsResolver) Validate() error { return nil }
func (RegisterAsResolver) isRequest()      {}

// ResolverHeartbeat is the periodic liveness report of a resolver.
type ResolverHeartbeat struct {
	ResolverID   string    `json:"resolverId"`
	Timestamp    time.Time `json:"timestamp"`
	ActiveOrders []string  `json:"activeOrders"`
	Load         int       `json:"load"`
}

func (ResolverHeartbeat) Method() Method  { return MethodResolverHeartbeat }
func (ResolverHeartbeat) Validate() error { return nil }
func (ResolverHeartbeat) isRequest()      {}

// FillOrder asks the relayer to have an order executed.
type FillOrder struct {
	Assignment
}

func (FillOrder) Method() Method { return MethodFillOrder }

func (f FillOrder) Validate() error {
	if f.OrderHash == "" {
		return missing("orderHash")
	}
	if f.Order != nil {
		if err := f.Order.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (FillOrder) isRequest() {}

// ResolveOrder hands an order to a resolver. It travels without an id.
type ResolveOrder struct {
	Assignment
}

func (ResolveOrder) Method() Method { return MethodResolveOrder }

func (r ResolveOrder) Validate() error {
	if r.OrderHash == "" {
		return missing("orderHash")
	}
	if r.Order == nil {
		return missing("order")
	}
	return r.Order.Validate()
}

func (ResolveOrder) isRequest() {}

// OrderStatusUpdate is a progress report from the assigned resolver.
type OrderStatusUpdate struct {
	OrderHash   string            `json:"orderHash"`
	Status      string            `json:"status"`
	Progress    *int              `json:"progress,omitempty"`
	TxHashes    map[string]string `json:"txHashes,omitempty"`
	Error       string            `json:"error,omitempty"`
	Resolver    string            `json:"resolver,omitempty"`
	MoveOrderID *uint64           `json:"orderId,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func (OrderStatusUpdate) Method() Method { return MethodOrderStatusUpdate }

func (u OrderStatusUpdate) Validate() error {
	if u.OrderHash == "" {
		return missing("orderHash")
	}
	if u.Status == "" {
		return missing("status")
	}
	if u.Progress != nil && (*u.Progress < 0 || *u.Progress > 100) {
		return &ValidationError{Field: "progress", Reason: "must be within 0..100"}
	}
	return nil
}

func (u *OrderStatusUpdate) normalize() {
	u.OrderHash = helpers.NormalizeHash(u.OrderHash)
}

func (OrderStatusUpdate) isRequest() {}

// SubscribeOrders adds broadcast topics to the sending connection.
type SubscribeOrders struct {
	Topics []string `json:"topics,omitempty"`
}

// TopicOrders carries order_event broadcasts.
const TopicOrders = "orders"

func (SubscribeOrders) Method() Method  { return MethodSubscribeOrders }
func (SubscribeOrders) Validate() error { return nil }
func (SubscribeOrders) isRequest()      {}

// GetActiveOrders lists non-terminal executions.
type GetActiveOrders struct{}

func (GetActiveOrders) Method() Method  { return MethodGetActiveOrders }
func (GetActiveOrders) Validate() error { return nil }
func (GetActiveOrders) isRequest()      {}

// GetQuote asks for an indicative price.
type GetQuote struct {
	SrcChainID      ChainID `json:"srcChainId"`
	DstChainID      ChainID `json:"dstChainId"`
	SrcTokenAddress string  `json:"srcTokenAddress"`
	DstTokenAddress string  `json:"dstTokenAddress"`
	Amount          string  `json:"amount"`
}

func (GetQuote) Method() Method { return MethodGetQuote }

func (q GetQuote) Validate() error {
	switch {
	case q.SrcTokenAddress == "":
		return missing("srcTokenAddress")
	case q.DstTokenAddress == "":
		return missing("dstTokenAddress")
	case q.Amount == "":
		return missing("amount")
	}
	return nil
}

func (GetQuote) isRequest() {}

// CreateOrder asks the relayer to construct and store an order.
type CreateOrder struct {
	Maker        string  `json:"maker"`
	MakingAmount string  `json:"makingAmount"`
	TakingAmount string  `json:"takingAmount"`
	MakerAsset   string  `json:"makerAsset"`
	TakerAsset   string  `json:"takerAsset"`
	Receiver     string  `json:"receiver"`
	Secret       string  `json:"secret"`
	SrcChainID   ChainID `json:"srcChainId"`
	DstChainID   ChainID `json:"dstChainId"`
}

func (CreateOrder) Method() Method { return MethodCreateOrder }

func (c CreateOrder) Validate() error {
	fields := []struct{ name, value string }{
		{"maker", c.Maker},
		{"makingAmount", c.MakingAmount},
		{"takingAmount", c.TakingAmount},
		{"makerAsset", c.MakerAsset},
		{"takerAsset", c.TakerAsset},
		{"receiver", c.Receiver},
		{"secret", c.Secret},
	}
	for _, f := range fields {
		if f.value == "" {
			return missing(f.name)
		}
	}
	if c.SrcChainID == 0 {
		return missing("srcChainId")
	}
	if c.DstChainID == 0 {
		return missing("dstChainId")
	}
	return nil
}

func (CreateOrder) isRequest() {}

// GetAllowedMethods lists the methods this relayer accepts.
type GetAllowedMethods struct{}

func (GetAllowedMethods) Method() Method  { return MethodGetAllowedMethods }
func (GetAllowedMethods) Validate() error { return nil }
func (GetAllowedMethods) isRequest()      {}

// InboundMethods is the set of methods a relayer accepts from its peers.
var InboundMethods = []Method{
	MethodPing,
	MethodRegisterAsResolver,
	MethodResolverHeartbeat,
	MethodFillOrder,
	MethodOrderStatusUpdate,
	MethodSubscribeOrders,
	MethodGetActiveOrders,
	MethodGetQuote,
	MethodCreateOrder,
	MethodGetAllowedMethods,
}

// DecodeRequest turns an envelope into its typed payload and validates it.
// Methods outside the closed set yield an *UnknownMethodError.
func DecodeRequest(msg *Message) (Request, error) {
	var req Request
	switch msg.Method {
	case MethodPing:
		req = &Ping{}
	case MethodRegisterAsResolver:
		req = &RegisterAsResolver{}
	case MethodResolverHeartbeat:
		req = &ResolverHeartbeat{}
	case MethodFillOrder:
		req = &FillOrder{}
	case MethodResolveOrder:
		req = &ResolveOrder{}
	case MethodOrderStatusUpdate:
		req = &OrderStatusUpdate{}
	case MethodSubscribeOrders:
		req = &SubscribeOrders{}
	case MethodGetActiveOrders:
		req = &GetActiveOrders{}
	case MethodGetQuote:
		req = &GetQuote{}
	case MethodCreateOrder:
		req = &CreateOrder{}
	case MethodGetAllowedMethods:
		req = &GetAllowedMethods{}
	default:
		return nil, &UnknownMethodError{Method: msg.Method}
	}

	if len(msg.Params) > 0 && string(msg.Params) != "null" {
		if err := json.Unmarshal(msg.Params, req); err != nil {
			return nil, &ValidationError{Reason: fmt.Sprintf("%s params: %v", msg.Method, err)}
		}
	}
	// Order hashes are keys everywhere downstream; the case a client used
	// must not make the same order look like two.
	if n, ok := req.(interface{ normalize() }); ok {
		n.normalize()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}
