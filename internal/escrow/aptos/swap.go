package aptos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

const (
	chainName  = "aptos"
	swapModule = "swap_v3"

	orderNotFoundAbort = "EORDER_DOES_NOT_EXIST"
	maxOrderProbe      = 1 << 20
)

// ErrOrderNotFound is returned when swap_v3 has no order with the given id.
var ErrOrderNotFound = errors.New("move order not found")

// SwapConfig configures the swap_v3 collaborator.
type SwapConfig struct {
	// ModuleAddress is the account that published swap_v3.
	ModuleAddress string
	// CoinType is the coin the swap ledger is instantiated with.
	CoinType string
}

// Swap implements escrow.MoveChain against the swap_v3 module. Orders are
// announced, claimed and source-cancelled by the announcer account;
// destination escrows are funded and cancelled by the resolver account.
type Swap struct {
	client    *Client
	module    string
	coinType  string
	resolver  *Signer
	announcer *Signer
	log       *logging.Logger
}

var _ escrow.MoveChain = (*Swap)(nil)

// NewSwap creates the collaborator. A nil announcer falls back to the
// resolver account.
func NewSwap(client *Client, cfg SwapConfig, resolver, announcer *Signer) (*Swap, error) {
	if resolver == nil {
		return nil, errors.New("aptos: resolver signer is required")
	}
	if cfg.CoinType == "" {
		return nil, errors.New("aptos: coin type is required")
	}
	module, err := ExpandAddress(cfg.ModuleAddress)
	if err != nil {
		return nil, fmt.Errorf("aptos: module address: %w", err)
	}
	if announcer == nil {
		announcer = resolver
	}
	return &Swap{
		client:    client,
		module:    module,
		coinType:  cfg.CoinType,
		resolver:  resolver,
		announcer: announcer,
		log:       logging.GetDefault().Component("aptos"),
	}, nil
}

// CoinType returns the swap coin type.
func (s *Swap) CoinType() string { return s.coinType }

// ResolverAddress returns the resolver account address.
func (s *Swap) ResolverAddress() string { return s.resolver.Address() }

func (s *Swap) function(name string) string {
	return s.module + "::" + swapModule + "::" + name
}

// AnnounceOrder locks the maker's funds in a new source order.
func (s *Swap) AnnounceOrder(ctx context.Context, p escrow.AnnounceParams) (*escrow.MoveResult, error) {
	payload := NewEntryFunction(s.function("announce_order"), []string{s.coinType},
		U64(p.SrcAmount), U64(p.MinDstAmount), U64(p.ExpiresInSecs), Bytes(p.SecretHash))
	return s.submitOrder(ctx, "announce_order", s.announcer, payload)
}

// FundDstEscrow funds a destination order paying Receiver.
func (s *Swap) FundDstEscrow(ctx context.Context, p escrow.FundParams) (*escrow.MoveResult, error) {
	receiver, err := NormalizeAddress(p.Receiver)
	if err != nil {
		return nil, escrow.Wrap(chainName, "fund_dst_escrow", err)
	}
	payload := NewEntryFunction(s.function("fund_dst_escrow"), []string{s.coinType},
		U64(p.Amount), U64(p.Expiration), Bytes(p.SecretHash), receiver)
	return s.submitOrder(ctx, "fund_dst_escrow", s.resolver, payload)
}

// ClaimFunds reveals the secret and releases an order.
func (s *Swap) ClaimFunds(ctx context.Context, orderID uint64, secret []byte) (*escrow.MoveResult, error) {
	payload := NewEntryFunction(s.function("claim_funds"), []string{s.coinType}, U64(orderID), Bytes(secret))
	tx, err := s.client.Submit(ctx, s.announcer, payload)
	if err != nil {
		return nil, escrow.Wrap(chainName, "claim_funds", err)
	}
	return &escrow.MoveResult{TxHash: tx.Hash, OrderID: orderID}, nil
}

// CancelSwap cancels an expired order created by side's account.
func (s *Swap) CancelSwap(ctx context.Context, side escrow.Side, orderID uint64) (*escrow.MoveResult, error) {
	signer := s.announcer
	if side == escrow.SideDestination {
		signer = s.resolver
	}
	payload := NewEntryFunction(s.function("cancel_swap"), []string{s.coinType}, U64(orderID))
	tx, err := s.client.Submit(ctx, signer, payload)
	if err != nil {
		return nil, escrow.Wrap(chainName, "cancel_swap", err)
	}
	return &escrow.MoveResult{TxHash: tx.Hash, OrderID: orderID}, nil
}

// OrderDetails returns the raw get_order_details view result.
func (s *Swap) OrderDetails(ctx context.Context, orderID uint64) ([]json.RawMessage, error) {
	out, err := s.client.View(ctx, s.function("get_order_details"), nil, U64(orderID))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(apiErr.Message, orderNotFoundAbort) {
			return nil, fmt.Errorf("%w: %d", ErrOrderNotFound, orderID)
		}
		return nil, err
	}
	return out, nil
}

// NextOrderID finds the first unused order id. Ids are allocated densely
// from zero, so an exponential probe followed by a binary search finds it.
func (s *Swap) NextOrderID(ctx context.Context) (uint64, error) {
	exists := func(id uint64) (bool, error) {
		_, err := s.OrderDetails(ctx, id)
		if errors.Is(err, ErrOrderNotFound) {
			return false, nil
		}
		return err == nil, err
	}

	ok, err := exists(0)
	if err != nil || !ok {
		return 0, err
	}
	lo, hi := uint64(0), uint64(1)
	for {
		ok, err := exists(hi)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		lo = hi
		if hi >= maxOrderProbe {
			return 0, fmt.Errorf("order id probe exceeded %d", maxOrderProbe)
		}
		hi *= 2
	}
	// lo exists, hi does not
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := exists(mid)
		if err != nil {
			return 0, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi, nil
}

// submitOrder submits an order-creating call and determines the new order
// id, from the transaction events when present and from a pre-submission
// probe otherwise.
func (s *Swap) submitOrder(ctx context.Context, step string, signer *Signer, payload EntryFunction) (*escrow.MoveResult, error) {
	predicted, probeErr := s.NextOrderID(ctx)
	if probeErr != nil {
		s.log.Warn("Could not predict order id", "step", step, "error", probeErr)
	}

	tx, err := s.client.Submit(ctx, signer, payload)
	if err != nil {
		return nil, escrow.Wrap(chainName, step, err)
	}

	id, ok := s.orderIDFromEvents(tx.Events)
	if !ok {
		if probeErr != nil {
			return nil, escrow.Wrap(chainName, step,
				fmt.Errorf("%w: no order id in %s: %v", escrow.ErrEventNotFound, tx.Hash, probeErr))
		}
		id = predicted
	}
	s.log.Info("Move order created", "step", step, "order_id", id, "hash", tx.Hash)
	return &escrow.MoveResult{TxHash: tx.Hash, OrderID: id}, nil
}

func (s *Swap) orderIDFromEvents(events []Event) (uint64, bool) {
	prefix := s.module + "::" + swapModule + "::"
	for _, ev := range events {
		if !strings.HasPrefix(ev.Type, prefix) {
			continue
		}
		var data struct {
			OrderID json.RawMessage `json:"order_id"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil || len(data.OrderID) == 0 {
			continue
		}
		if id, err := parseU64(data.OrderID); err == nil {
			return id, true
		}
	}
	return 0, false
}

// parseU64 reads a u64 that the node may render as a string or a number.
func parseU64(raw json.RawMessage) (uint64, error) {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strconv.ParseUint(str, 10, 64)
	}
	var n uint64
	err := json.Unmarshal(raw, &n)
	return n, err
}
