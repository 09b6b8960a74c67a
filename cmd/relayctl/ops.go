package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/urfave/cli/v2"
)

var (
	healthCommand = &cli.Command{
		Action:    health,
		Name:      "health",
		Usage:     "show relayer health from the ops API",
		ArgsUsage: " ",
	}
	executionCommand = &cli.Command{
		Action:    execution,
		Name:      "execution",
		Usage:     "show one order and its execution from the ops API",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			orderHashFlag,
		},
	}
)

func opsClient(c *cli.Context) *resty.Client {
	return resty.New().
		SetHostURL(c.String(apiFlag.Name)).
		SetTimeout(c.Duration(timeoutFlag.Name)).
		SetHeader("Accept", "application/json")
}

// opsGet fetches path and prints the JSON body as-is.
func opsGet(c *cli.Context, path string) error {
	resp, err := opsClient(c).R().SetContext(c.Context).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		var body struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(resp.Body(), &body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status(), body.Error)
		}
		return errors.New(resp.Status())
	}
	var v json.RawMessage = resp.Body()
	return printJSON(v)
}

func health(c *cli.Context) error {
	return opsGet(c, "/health")
}

func execution(c *cli.Context) error {
	hash := c.String(orderHashFlag.Name)
	if hash == "" {
		return errors.New("must specify '--hash'")
	}
	return opsGet(c, "/orders/"+hash)
}
