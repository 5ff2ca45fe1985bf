// Command barter is a single-session barter client.  The signed-in session is kept in a
// credentials file and restored on every run.
//
//	barter signup <email> <password> [full name]
//	barter signin <email> <password>
//	barter google
//	barter reset <email>
//	barter signout
//	barter whoami
//	barter profile set key=value...
//	barter get <collection> <id>
//	barter query <collection> [-where "field op value"]... [-order field] [-dir asc|desc] [-limit n]
//	barter create [-id id] <collection> <json>
//	barter update <collection> <id> <json>
//	barter delete <collection> <id>
//	barter watch <collection> [-where "field op value"]...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/panyam/barter/internal/app"
	"github.com/panyam/barter/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "optional env file with BARTER_* settings")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: barter [-env file] <command> [args]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		return 2
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, app.NewLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "barter: %v\n", err)
		return 1
	}
	defer a.Close()

	c, err := newCLI(ctx, a, cfg.CredentialsFile, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "barter: %v\n", err)
		return 1
	}
	defer c.close()

	if err := c.run(ctx, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "barter: %v\n", err)
		return 1
	}
	return 0
}
