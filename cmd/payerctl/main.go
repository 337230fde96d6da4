package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"payerx/cmd/internal/secret"
)

const (
	defaultEndpoint = "http://127.0.0.1:8080"
	endpointEnv     = "PAYERX_URL"
	apiKeyEnv       = "PAYERX_API_KEY"
)

type command struct {
	name    string
	summary string
	offline bool
	run     func(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{name: "pay", summary: "route a payment through the FX engine", run: runPay},
	{name: "quote", summary: "preview fee and output for a payment", run: runQuote},
	{name: "rate", summary: "show the rate for a token pair", run: runRate},
	{name: "set-rate", summary: "publish a rate for a token pair", run: runSetRate},
	{name: "liquidity", summary: "show or add tracked liquidity", run: runLiquidity},
	{name: "sync", summary: "reconcile tracked liquidity with custody", run: runSync},
	{name: "health", summary: "report liquidity health for one or every token", run: runHealth},
	{name: "router", summary: "show or change router settings", run: runRouter},
	{name: "approve", summary: "approve a spender for a token", run: runApprove},
	{name: "balance", summary: "show a token balance", run: runBalance},
	{name: "plan", summary: "estimate liquidity needs from expected volume", offline: true, run: runPlan},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("payerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	endpoint := fs.String("endpoint", envOr(endpointEnv, defaultEndpoint), "payerxd base URL")
	apiKey := fs.String("api-key", "", "API key (defaults to $"+apiKeyEnv+", then a prompt)")
	fs.Usage = func() { printUsage(stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return 2
	}
	for _, cmd := range commands {
		if cmd.name != rest[0] {
			continue
		}
		var api *client
		if !cmd.offline {
			api = newClient(*endpoint, secret.NewSource(*apiKey, apiKeyEnv, "payerx API key").Get)
		}
		return cmd.run(ctx, api, rest[1:], stdout, stderr)
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
	printUsage(stderr)
	return 2
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: payerctl [-endpoint URL] [-api-key KEY] <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", cmd.name, cmd.summary)
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
