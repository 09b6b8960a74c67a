package main

import (
	"github.com/urfave/cli/v2"
)

var (
	relayerFlag = &cli.StringFlag{
		Name:    "relayer",
		Usage:   "relayer WebSocket URL",
		Value:   "ws://localhost:3004/ws",
		EnvVars: []string{"RELAYER_URL", "WS_RELAYER_URL"},
	}
	apiFlag = &cli.StringFlag{
		Name:  "api",
		Usage: "relayer ops HTTP base URL",
		Value: "http://localhost:3004",
	}
	timeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "request timeout",
		Value: defaultTimeout,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "log level (debug, info, warn, error)",
		Value: "warn",
	}

	srcChainFlag = &cli.Uint64Flag{
		Name:  "src-chain",
		Usage: "source chain id",
		Value: 11155111,
	}
	dstChainFlag = &cli.Uint64Flag{
		Name:  "dst-chain",
		Usage: "destination chain id",
		Value: 8453,
	}
	srcTokenFlag = &cli.StringFlag{
		Name:  "src-token",
		Usage: "source token address",
	}
	dstTokenFlag = &cli.StringFlag{
		Name:  "dst-token",
		Usage: "destination token address",
	}
	amountFlag = &cli.StringFlag{
		Name:  "amount",
		Usage: "amount in base units",
	}

	makerFlag = &cli.StringFlag{
		Name:  "maker",
		Usage: "maker address",
	}
	receiverFlag = &cli.StringFlag{
		Name:  "receiver",
		Usage: "receiver address on the destination chain",
	}
	makingAmountFlag = &cli.StringFlag{
		Name:  "making-amount",
		Usage: "amount the maker gives, in base units",
	}
	takingAmountFlag = &cli.StringFlag{
		Name:  "taking-amount",
		Usage: "amount the maker receives, in base units",
	}
	secretFlag = &cli.StringFlag{
		Name:  "secret",
		Usage: "32-byte swap secret",
	}
	outFlag = &cli.StringFlag{
		Name:  "out",
		Usage: "write the fill request to this file",
	}

	orderFileFlag = &cli.StringFlag{
		Name:  "order",
		Usage: "fill request file written by create-order",
	}
	orderHashFlag = &cli.StringFlag{
		Name:  "hash",
		Usage: "order hash",
	}
	followFlag = &cli.BoolFlag{
		Name:  "follow",
		Usage: "keep watching until the order reaches a final status",
	}
)
