package main

import (
	"context"
	"fmt"
	"os"

	"nikand.dev/go/cli"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/Dufgui/graal/compiler"
	"github.com/Dufgui/graal/compiler/format"
	"github.com/Dufgui/graal/compiler/graphio"
)

func main() {
	dumpCmd := &cli.Command{
		Name:   "dump",
		Action: dumpAct,
		Args:   cli.Args{},
	}

	verifyCmd := &cli.Command{
		Name:   "verify",
		Action: verifyAct,
		Args:   cli.Args{},
	}

	app := &cli.Command{
		Name:        "graal",
		Description: "graal is a tool for verifying frame access in compiler graphs",
		Commands: []*cli.Command{
			dumpCmd,
			verifyCmd,
		},
	}

	cli.RunAndExit(app, os.Args, os.Environ())
}

func dumpAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		text, err := os.ReadFile(a)
		if err != nil {
			return errors.Wrap(err, "read %v", a)
		}

		g, _, err := graphio.Load(ctx, text)
		if err != nil {
			return errors.Wrap(err, "load %v", a)
		}

		fmt.Printf("%s", format.Format(ctx, nil, g))
	}

	return nil
}

func verifyAct(c *cli.Command) (err error) {
	ctx := context.Background()
	ctx = tlog.ContextWithSpan(ctx, tlog.Root())

	for _, a := range c.Args {
		obj, err := compiler.VerifyFile(ctx, a)
		if err != nil {
			return errors.Wrap(err, "verify %v", a)
		}

		fmt.Printf("%s", obj)
	}

	return nil
}
