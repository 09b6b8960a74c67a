package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

var (
	activeCommand = &cli.Command{
		Action:    active,
		Name:      "active",
		Usage:     "list orders that are still executing",
		ArgsUsage: " ",
	}
	watchCommand = &cli.Command{
		Action:    watch,
		Name:      "watch",
		Usage:     "stream order events",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			orderHashFlag,
			followFlag,
		},
	}
)

func active(c *cli.Context) error {
	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	var out protocol.ActiveOrders
	if err := s.Call(s.ctx, protocol.GetActiveOrders{}, &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tSTATUS\tPROGRESS\tROUTE\tRESOLVER\tAGE")
	for _, o := range out.Orders {
		fmt.Fprintf(w, "%s\t%s\t%d%%\t%s->%s\t%s\t%s\n",
			o.OrderHash, o.Status, o.Progress, o.SrcChainID, o.DstChainID,
			o.AssignedResolver, time.Since(o.CreatedAt).Round(time.Second))
	}
	fmt.Fprintf(w, "\n%d active\n", out.Total)
	return w.Flush()
}

// watch prints order events until interrupted. With --hash and --follow it
// returns once that order reaches a final status.
func watch(c *cli.Context) error {
	hash := helpers.NormalizeHash(c.String(orderHashFlag.Name))
	follow := c.Bool(followFlag.Name)
	if follow && hash == "" {
		return fmt.Errorf("'--follow' needs '--hash'")
	}

	s, err := connect(c)
	if err != nil {
		return err
	}
	defer s.stop()

	events := s.OrderEvents(0)
	defer events.Unsubscribe()

	var sub protocol.Subscribed
	if err := s.Call(s.ctx, protocol.SubscribeOrders{Topics: []string{protocol.TopicOrders}}, &sub); err != nil {
		return err
	}

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case ev, ok := <-events.C:
			if !ok {
				return nil
			}
			if hash != "" && helpers.NormalizeHash(ev.Data.OrderHash) != hash {
				continue
			}
			if err := printJSON(ev); err != nil {
				return err
			}
			if follow && tracker.Status(ev.Data.Status).Terminal() {
				if ev.Data.Status != string(tracker.StatusCompleted) {
					return fmt.Errorf("order %s %s: %s", ev.Data.OrderHash, ev.Data.Status, ev.Data.Error)
				}
				return nil
			}
		}
	}
}
