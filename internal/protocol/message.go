// Package protocol defines the wire format spoken between the relayer, its
// resolvers and its clients.
//
// Every frame is a JSON object: {id?, method, params?} for requests and
// commands, {id?, method, result?, error?} for replies and events. Replies
// carry the id of the request they answer; events and broadcasts omit it.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Method names a message kind.
type Method string

// Requests and commands.
const (
	MethodPing               Method = "ping"
	MethodRegisterAsResolver Method = "register_as_resolver"
	MethodResolverHeartbeat  Method = "resolver_heartbeat"
	MethodFillOrder          Method = "fill_order"
	MethodOrderStatusUpdate  Method = "order_status_update"
	MethodSubscribeOrders    Method = "subscribe_orders"
	MethodGetActiveOrders    Method = "get_active_orders"
	MethodGetQuote           Method = "get_quote"
	MethodCreateOrder        Method = "create_order"
	MethodGetAllowedMethods  Method = "get_allowed_methods"
)

// Replies and server-originated messages.
const (
	MethodPong                  Method = "pong"
	MethodConnectionEstablished Method = "connection_established"
	MethodResolverRegistered    Method = "resolver_registered"
	MethodHeartbeatAck          Method = "heartbeat_ack"
	MethodFillOrderResponse     Method = "fill_order_response"
	MethodResolveOrder          Method = "resolve_order"
	MethodOrderEvent            Method = "order_event"
	MethodError                 Method = "error"
)

// WelcomeID is the fixed id of the connection_established message.
const WelcomeID = "welcome"

// ReplyMethod returns the method name used to answer a request.
func ReplyMethod(m Method) Method {
	switch m {
	case MethodPing:
		return MethodPong
	case MethodRegisterAsResolver:
		return MethodResolverRegistered
	case MethodResolverHeartbeat:
		return MethodHeartbeatAck
	case MethodFillOrder:
		return MethodFillOrderResponse
	default:
		return m + "_response"
	}
}

// Message is the single envelope used for every frame.
type Message struct {
	ID     string          `json:"id,omitempty"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Parse decodes a raw frame into an envelope. Payloads stay undecoded until
// DecodeRequest or the caller asks for a specific result type.
func Parse(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if msg.Method == "" {
		return nil, fmt.Errorf("%w: missing method", ErrParse)
	}
	return &msg, nil
}

// Encode serializes a message.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeResult unmarshals the result payload into v.
func (m *Message) DecodeResult(v interface{}) error {
	if len(m.Result) == 0 {
		return fmt.Errorf("%w: %s has no result", ErrParse, m.Method)
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("%w: %s result: %v", ErrParse, m.Method, err)
	}
	return nil
}

// NewRequest builds a request or command frame.
func NewRequest(id string, req Request) (*Message, error) {
	params, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s params: %w", req.Method(), err)
	}
	return &Message{ID: id, Method: req.Method(), Params: params}, nil
}

// NewResult builds a reply or event frame.
func NewResult(id string, method Method, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", method, err)
	}
	return &Message{ID: id, Method: method, Result: raw}, nil
}

// NewError builds an error frame.
func NewError(id string, code Code, message string) *Message {
	return &Message{
		ID:     id,
		Method: MethodError,
		Error:  &Error{Code: code, Message: message, Timestamp: time.Now().UTC()},
	}
}
