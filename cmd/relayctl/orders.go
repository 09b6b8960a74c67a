package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

var (
	pingCommand = &cli.Command{
		Action:    ping,
		Name:      "ping",
		Usage:     "check the relayer link",
		ArgsUsage: " ",
	}
	methodsCommand = &cli.Command{
		Action:    allowedMethods,
		Name:      "methods",
		Usage:     "list the methods the relayer accepts",
		ArgsUsage: " ",
	}
	quoteCommand = &cli.Command{
		Action:    quote,
		Name:      "quote",
		Usage:     "get an indicative quote",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			srcChainFlag,
			dstChainFlag,
			srcTokenFlag,
			dstTokenFlag,
			amountFlag,
		},
	}
	// nolint:lll // allow long line of example
	createOrderCommand = &cli.Command{
		Action:    createOrder,
		Name:      "create-order",
		Usage:     "have the relayer build and store an order",
		ArgsUsage: " ",
		Description: `
create an order and optionally save the fill request for the fill command.

Example:

./relayctl create-order --maker 0x1111111111111111111111111111111111111111 --receiver 0x2222222222222222222222222222222222222222 --src-token 0x3333333333333333333333333333333333333333 --dst-token 0x1::aptos_coin::AptosCoin --making-amount 1000 --taking-amount 990 --secret my_secret_password_for_swap_test --out order.json
`,
		Flags: []cli.Flag{
			srcChainFlag,
			dstChainFlag,
			makerFlag,
			receiverFlag,
			srcTokenFlag,
			dstTokenFlag,
			makingAmountFlag,
			takingAmountFlag,
			secretFlag,
			outFlag,
		},
	}
	fillCommand = &cli.Command{
		Action:    fill,
		Name:      "fill",
		Usage:     "submit an order for execution",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			orderFileFlag,
			orderHashFlag,
			secretFlag,
			srcChainFlag,
			dstChainFlag,
		},
	}
)

func ping(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var pong protocol.Pong
	if err := s.Call(s.ctx, protocol.Ping{}, &pong); err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"clientId":  s.ClientID(),
		"timestamp": pong.Timestamp,
	})
}

func allowedMethods(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var out protocol.AllowedMethods
	if err := s.Call(s.ctx, protocol.GetAllowedMethods{}, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func quote(c *cli.Context) error {
	req := protocol.GetQuote{
		SrcChainID:      protocol.ChainID(c.Uint64(srcChainFlag.Name)),
		DstChainID:      protocol.ChainID(c.Uint64(dstChainFlag.Name)),
		SrcTokenAddress: c.String(srcTokenFlag.Name),
		DstTokenAddress: c.String(dstTokenFlag.Name),
		Amount:          c.String(amountFlag.Name),
	}
	if err := req.Validate(); err != nil {
		return err
	}

	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var out protocol.Quote
	if err := s.Call(s.ctx, req, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func createOrder(c *cli.Context) error {
	req := protocol.CreateOrder{
		Maker:        c.String(makerFlag.Name),
		Receiver:     c.String(receiverFlag.Name),
		MakerAsset:   c.String(srcTokenFlag.Name),
		TakerAsset:   c.String(dstTokenFlag.Name),
		MakingAmount: c.String(makingAmountFlag.Name),
		TakingAmount: c.String(takingAmountFlag.Name),
		Secret:       c.String(secretFlag.Name),
		SrcChainID:   protocol.ChainID(c.Uint64(srcChainFlag.Name)),
		DstChainID:   protocol.ChainID(c.Uint64(dstChainFlag.Name)),
	}
	if err := req.Validate(); err != nil {
		return err
	}
	if _, err := escrow.Secret32(escrow.SecretBytes(req.Secret)); err != nil {
		return err
	}

	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var out protocol.OrderCreated
	if err := s.Call(s.ctx, req, &out); err != nil {
		return err
	}

	if path := c.String(outFlag.Name); path != "" {
		order := out.Order
		a := protocol.Assignment{
			OrderHash:  out.OrderHash,
			Order:      &order,
			Secret:     req.Secret,
			SrcChainID: req.SrcChainID,
			DstChainID: req.DstChainID,
		}
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
	}
	return printJSON(out)
}

func fill(c *cli.Context) error {
	var a protocol.Assignment
	if path := c.String(orderFileFlag.Name); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if v := c.String(orderHashFlag.Name); v != "" {
		a.OrderHash = v
	}
	if v := c.String(secretFlag.Name); v != "" {
		a.Secret = v
	}
	if c.IsSet(srcChainFlag.Name) || a.SrcChainID == 0 {
		a.SrcChainID = protocol.ChainID(c.Uint64(srcChainFlag.Name))
	}
	if c.IsSet(dstChainFlag.Name) || a.DstChainID == 0 {
		a.DstChainID = protocol.ChainID(c.Uint64(dstChainFlag.Name))
	}
	if a.OrderHash == "" {
		return errors.New("must specify '--order' or '--hash'")
	}

	req := protocol.FillOrder{Assignment: a}
	if err := req.Validate(); err != nil {
		return err
	}

	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var out protocol.FillAccepted
	if err := s.Call(s.ctx, req, &out); err != nil {
		return err
	}
	return printJSON(out)
}
