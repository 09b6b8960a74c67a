// Package main provides relayctl, a command line client for the relayer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingdex-relay/internal/client"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

const defaultTimeout = 30 * time.Second

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = filepath.Base(os.Args[0])
	app.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	app.Usage = "talk to a klingdex relayer"
	app.Flags = []cli.Flag{
		relayerFlag,
		apiFlag,
		timeoutFlag,
		logLevelFlag,
	}
	app.Before = func(ctx *cli.Context) error {
		logging.SetDefault(logging.New(&logging.Config{
			Level:      ctx.String(logLevelFlag.Name),
			TimeFormat: time.TimeOnly,
		}))
		return nil
	}
	app.Commands = []*cli.Command{
		pingCommand,
		methodsCommand,
		quoteCommand,
		createOrderCommand,
		fillCommand,
		activeCommand,
		watchCommand,
		healthCommand,
		executionCommand,
	}
	sort.Sort(cli.CommandsByName(app.Commands))
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// session is one connected client for the duration of a command.
type session struct {
	*client.Client
	ctx  context.Context
	stop func()
}

// connect dials the relayer and waits for the welcome. The returned context
// ends on SIGINT or SIGTERM.
func connect(c *cli.Context) (*session, error) {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)

	cl := client.New(&client.Config{Timeout: c.Duration(timeoutFlag.Name)})
	url := c.String(relayerFlag.Name)
	stop, err := cl.Connect(ctx, &client.WSDialer{URL: url})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	deadline := time.Now().Add(c.Duration(timeoutFlag.Name))
	for cl.ClientID() == "" && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	return &session{
		Client: cl,
		ctx:    ctx,
		stop: func() {
			stop()
			cancel()
		},
	}, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
