// Package aptos talks to a Move chain node over its REST API and drives the
// swap_v3 module.
package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

const (
	DefaultMaxGasAmount = 200000
	DefaultTxTTL        = 10 * time.Minute
	DefaultPollInterval = time.Second
	DefaultHTTPTimeout  = 30 * time.Second
)

const pendingTransaction = "pending_transaction"

// ErrTxPending is returned when a transaction is still pending after the
// caller's context ends.
var ErrTxPending = errors.New("transaction still pending")

// APIError is an error body returned by the node.
type APIError struct {
	StatusCode  int    `json:"-"`
	Message     string `json:"message"`
	ErrorCode   string `json:"error_code"`
	VMErrorCode int    `json:"vm_error_code"`
}

func (e *APIError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("node error %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("node error %d: %s", e.StatusCode, e.Message)
}

// EntryFunction is an entry_function_payload.
type EntryFunction struct {
	Type          string        `json:"type"`
	Function      string        `json:"function"`
	TypeArguments []string      `json:"type_arguments"`
	Arguments     []interface{} `json:"arguments"`
}

// NewEntryFunction builds an entry function payload. Arguments use the JSON
// forms the node expects: u64 as decimal strings, vector<u8> as 0x hex.
func NewEntryFunction(function string, typeArgs []string, args ...interface{}) EntryFunction {
	if typeArgs == nil {
		typeArgs = []string{}
	}
	if args == nil {
		args = []interface{}{}
	}
	return EntryFunction{
		Type:          "entry_function_payload",
		Function:      function,
		TypeArguments: typeArgs,
		Arguments:     args,
	}
}

// U64 formats a u64 argument.
func U64(v uint64) string { return strconv.FormatUint(v, 10) }

// Bytes formats a vector<u8> argument.
func Bytes(b []byte) string { return helpers.BytesToHex(b) }

// Event is a transaction event.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Transaction is the subset of a committed or pending transaction the
// client reads.
type Transaction struct {
	Type     string  `json:"type"`
	Hash     string  `json:"hash"`
	Success  bool    `json:"success"`
	VMStatus string  `json:"vm_status"`
	Version  string  `json:"version"`
	Events   []Event `json:"events"`
}

type accountInfo struct {
	SequenceNumber    string `json:"sequence_number"`
	AuthenticationKey string `json:"authentication_key"`
}

type gasEstimate struct {
	GasEstimate uint64 `json:"gas_estimate"`
}

type txSignature struct {
	Type      string `json:"type"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type txRequest struct {
	Sender                  string        `json:"sender"`
	SequenceNumber          string        `json:"sequence_number"`
	MaxGasAmount            string        `json:"max_gas_amount"`
	GasUnitPrice            string        `json:"gas_unit_price"`
	ExpirationTimestampSecs string        `json:"expiration_timestamp_secs"`
	Payload                 EntryFunction `json:"payload"`
	Signature               *txSignature  `json:"signature,omitempty"`
}

type viewRequest struct {
	Function      string        `json:"function"`
	TypeArguments []string      `json:"type_arguments"`
	Arguments     []interface{} `json:"arguments"`
}

// ClientConfig configures a node client.
type ClientConfig struct {
	NodeURL      string
	MaxGasAmount uint64
	TxTTL        time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

// Client is a REST client for a Move chain node.
type Client struct {
	http         *resty.Client
	maxGasAmount uint64
	txTTL        time.Duration
	pollInterval time.Duration
	log          *logging.Logger

	// one in-flight transaction per sender keeps sequence numbers ordered
	mu      sync.Mutex
	senders map[string]*sync.Mutex
}

// NewClient creates a node client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxGasAmount == 0 {
		cfg.MaxGasAmount = DefaultMaxGasAmount
	}
	if cfg.TxTTL <= 0 {
		cfg.TxTTL = DefaultTxTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultHTTPTimeout
	}
	base := strings.TrimRight(cfg.NodeURL, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}

	return &Client{
		http: resty.New().
			SetHostURL(base).
			SetTimeout(cfg.Timeout).
			SetHeader("Accept", "application/json"),
		maxGasAmount: cfg.MaxGasAmount,
		txTTL:        cfg.TxTTL,
		pollInterval: cfg.PollInterval,
		log:          logging.GetDefault().Component("aptos"),
		senders:      make(map[string]*sync.Mutex),
	}
}

// SequenceNumber returns the next sequence number of an account.
func (c *Client) SequenceNumber(ctx context.Context, address string) (uint64, error) {
	var info accountInfo
	if err := c.get(ctx, "/accounts/"+address, &info); err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(info.SequenceNumber, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number %q: %w", info.SequenceNumber, err)
	}
	return n, nil
}

// GasPrice returns the node's gas unit price estimate.
func (c *Client) GasPrice(ctx context.Context) (uint64, error) {
	var est gasEstimate
	if err := c.get(ctx, "/estimate_gas_price", &est); err != nil {
		return 0, err
	}
	return est.GasEstimate, nil
}

// View calls a view function and returns its raw return values.
func (c *Client) View(ctx context.Context, function string, typeArgs []string, args ...interface{}) ([]json.RawMessage, error) {
	p := NewEntryFunction(function, typeArgs, args...)
	var out []json.RawMessage
	err := c.post(ctx, "/view", viewRequest{
		Function:      p.Function,
		TypeArguments: p.TypeArguments,
		Arguments:     p.Arguments,
	}, &out)
	return out, err
}

// Submit signs and submits payload from signer, then waits for it to be
// committed. A committed but failed transaction is returned together with an
// error carrying its VM status.
func (c *Client) Submit(ctx context.Context, signer *Signer, payload EntryFunction) (*Transaction, error) {
	lock := c.senderLock(signer.Address())
	lock.Lock()
	defer lock.Unlock()

	seq, err := c.SequenceNumber(ctx, signer.Address())
	if err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}
	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas price: %w", err)
	}

	req := txRequest{
		Sender:                  signer.Address(),
		SequenceNumber:          U64(seq),
		MaxGasAmount:            U64(c.maxGasAmount),
		GasUnitPrice:            U64(gasPrice),
		ExpirationTimestampSecs: U64(uint64(time.Now().Add(c.txTTL).Unix())),
		Payload:                 payload,
	}

	var signingMessage string
	if err := c.post(ctx, "/transactions/encode_submission", req, &signingMessage); err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	msg, err := helpers.HexToBytes(signingMessage)
	if err != nil {
		return nil, fmt.Errorf("invalid signing message: %w", err)
	}

	req.Signature = &txSignature{
		Type:      "ed25519_signature",
		PublicKey: signer.PublicKeyHex(),
		Signature: helpers.BytesToHex(signer.Sign(msg)),
	}
	var pending Transaction
	if err := c.post(ctx, "/transactions", req, &pending); err != nil {
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}
	c.log.Info("Transaction submitted", "function", payload.Function, "hash", pending.Hash, "sender", signer.Address())

	tx, err := c.WaitForTransaction(ctx, pending.Hash)
	if err != nil {
		return nil, err
	}
	if !tx.Success {
		return tx, fmt.Errorf("transaction %s failed: %s", tx.Hash, tx.VMStatus)
	}
	c.log.Info("Transaction committed", "function", payload.Function, "hash", tx.Hash, "version", tx.Version)
	return tx, nil
}

// WaitForTransaction polls until hash is committed or ctx ends.
func (c *Client) WaitForTransaction(ctx context.Context, hash string) (*Transaction, error) {
	for {
		var tx Transaction
		err := c.get(ctx, "/transactions/wait_by_hash/"+hash, &tx)
		var apiErr *APIError
		switch {
		case err == nil && tx.Type != pendingTransaction:
			return &tx, nil
		case err == nil, errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %s: %v", ErrTxPending, hash, ctx.Err())
		default:
			return nil, fmt.Errorf("failed to wait for transaction %s: %w", hash, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrTxPending, hash, ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) senderLock(address string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.senders[address]
	if !ok {
		l = &sync.Mutex{}
		c.senders[address] = l
	}
	return l
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		SetError(&APIError{}).
		Get(path)
	return checkResponse(resp, err)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(out).
		SetError(&APIError{}).
		Post(path)
	return checkResponse(resp, err)
}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	apiErr, ok := resp.Error().(*APIError)
	if !ok || apiErr.Message == "" {
		apiErr = &APIError{Message: strings.TrimSpace(string(resp.Body()))}
	}
	apiErr.StatusCode = resp.StatusCode()
	return apiErr
}
