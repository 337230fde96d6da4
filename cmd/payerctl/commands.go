package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func printError(stderr io.Writer, format string, args ...any) int {
	fmt.Fprintf(stderr, "Error: "+format+"\n", args...)
	return 1
}

// requireFlags reports the first empty value in name/value order.
func requireFlags(stderr io.Writer, pairs ...string) bool {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			printError(stderr, "-%s is required", pairs[i])
			return false
		}
	}
	return true
}

func printResult(stdout, stderr io.Writer, raw json.RawMessage, err error) int {
	if err != nil {
		return printError(stderr, "%v", err)
	}
	var out bytes.Buffer
	if indentErr := json.Indent(&out, raw, "", "  "); indentErr != nil {
		stdout.Write(raw)
		fmt.Fprintln(stdout)
		return 0
	}
	fmt.Fprintln(stdout, out.String())
	return 0
}

func engineQuery(engine string) url.Values {
	if strings.TrimSpace(engine) == "" {
		return nil
	}
	return url.Values{"engine": []string{strings.TrimSpace(engine)}}
}

func runPay(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("pay", stderr)
	id := fs.String("id", "", "optional payment id")
	tokenIn := fs.String("token-in", "", "token paid by the sender (symbol or address)")
	tokenOut := fs.String("token-out", "", "token delivered to the recipient")
	amount := fs.String("amount", "", "amount in, in smallest units")
	minOut := fs.String("min-out", "", "minimum acceptable output, in smallest units")
	recipient := fs.String("recipient", "", "recipient address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token-in", *tokenIn, "token-out", *tokenOut, "amount", *amount, "recipient", *recipient) {
		return 2
	}
	body := map[string]string{
		"token_in":  *tokenIn,
		"token_out": *tokenOut,
		"amount_in": *amount,
		"recipient": *recipient,
	}
	if *id != "" {
		body["id"] = *id
	}
	if *minOut != "" {
		body["min_amount_out"] = *minOut
	}
	raw, err := api.do(ctx, http.MethodPost, "/v1/payments", nil, body)
	return printResult(stdout, stderr, raw, err)
}

func runQuote(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("quote", stderr)
	tokenIn := fs.String("token-in", "", "token paid by the sender")
	tokenOut := fs.String("token-out", "", "token delivered to the recipient")
	amount := fs.String("amount", "", "amount in, in smallest units")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token-in", *tokenIn, "token-out", *tokenOut, "amount", *amount) {
		return 2
	}
	query := url.Values{"token_in": {*tokenIn}, "token_out": {*tokenOut}, "amount_in": {*amount}}
	raw, err := api.do(ctx, http.MethodGet, "/v1/quote", query, nil)
	return printResult(stdout, stderr, raw, err)
}

func ratePath(tokenIn, tokenOut string) string {
	return "/v1/rates/" + url.PathEscape(tokenIn) + "/" + url.PathEscape(tokenOut)
}

func runRate(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("rate", stderr)
	tokenIn := fs.String("token-in", "", "input token")
	tokenOut := fs.String("token-out", "", "output token")
	engine := fs.String("engine", "", "FX engine address (defaults to the active engine)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token-in", *tokenIn, "token-out", *tokenOut) {
		return 2
	}
	raw, err := api.do(ctx, http.MethodGet, ratePath(*tokenIn, *tokenOut), engineQuery(*engine), nil)
	return printResult(stdout, stderr, raw, err)
}

func runSetRate(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("set-rate", stderr)
	tokenIn := fs.String("token-in", "", "input token")
	tokenOut := fs.String("token-out", "", "output token")
	rate := fs.String("rate", "", "rate as a decimal, e.g. 1.0850")
	engine := fs.String("engine", "", "FX engine address (defaults to the active engine)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token-in", *tokenIn, "token-out", *tokenOut, "rate", *rate) {
		return 2
	}
	raw, err := api.do(ctx, http.MethodPut, ratePath(*tokenIn, *tokenOut), engineQuery(*engine), map[string]string{"rate": *rate})
	return printResult(stdout, stderr, raw, err)
}

func liquidityPath(tok, suffix string) string {
	return "/v1/liquidity/" + url.PathEscape(tok) + suffix
}

func runLiquidity(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("liquidity", stderr)
	tok := fs.String("token", "", "token symbol or address")
	add := fs.String("add", "", "amount to deposit, in smallest units")
	withdraw := fs.String("withdraw", "", "amount to withdraw to the caller (owner only)")
	engine := fs.String("engine", "", "FX engine address (defaults to the active engine)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token", *tok) {
		return 2
	}
	if *add != "" && *withdraw != "" {
		printError(stderr, "-add and -withdraw are mutually exclusive")
		return 2
	}
	query := engineQuery(*engine)
	var (
		raw json.RawMessage
		err error
	)
	switch {
	case *add != "":
		raw, err = api.do(ctx, http.MethodPost, liquidityPath(*tok, ""), query, map[string]string{"amount": *add})
	case *withdraw != "":
		raw, err = api.do(ctx, http.MethodPost, liquidityPath(*tok, "/withdraw"), query, map[string]string{"amount": *withdraw})
	default:
		raw, err = api.do(ctx, http.MethodGet, liquidityPath(*tok, ""), query, nil)
	}
	return printResult(stdout, stderr, raw, err)
}

func runSync(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sync", stderr)
	tok := fs.String("token", "", "token symbol or address")
	engine := fs.String("engine", "", "FX engine address (defaults to the active engine)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token", *tok) {
		return 2
	}
	raw, err := api.do(ctx, http.MethodPost, liquidityPath(*tok, "/sync"), engineQuery(*engine), nil)
	return printResult(stdout, stderr, raw, err)
}

func runHealth(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("health", stderr)
	tok := fs.String("token", "", "token symbol or address (omit for every token)")
	engine := fs.String("engine", "", "FX engine address (defaults to the active engine)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	path := "/v1/liquidity"
	if strings.TrimSpace(*tok) != "" {
		path = liquidityPath(*tok, "/health")
	}
	raw, err := api.do(ctx, http.MethodGet, path, engineQuery(*engine), nil)
	return printResult(stdout, stderr, raw, err)
}

func runApprove(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("approve", stderr)
	tok := fs.String("token", "", "token symbol or address")
	spender := fs.String("spender", "", "spender address")
	amount := fs.String("amount", "", "allowance, in smallest units")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token", *tok, "spender", *spender, "amount", *amount) {
		return 2
	}
	path := "/v1/tokens/" + url.PathEscape(*tok) + "/approve"
	raw, err := api.do(ctx, http.MethodPost, path, nil, map[string]string{"spender": *spender, "amount": *amount})
	return printResult(stdout, stderr, raw, err)
}

func runBalance(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	tok := fs.String("token", "", "token symbol or address")
	account := fs.String("account", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !requireFlags(stderr, "token", *tok, "account", *account) {
		return 2
	}
	path := "/v1/tokens/" + url.PathEscape(*tok) + "/balances/" + url.PathEscape(*account)
	raw, err := api.do(ctx, http.MethodGet, path, nil, nil)
	return printResult(stdout, stderr, raw, err)
}

// runRouter shows the router settings, or applies at most one change.
func runRouter(ctx context.Context, api *client, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("router", stderr)
	fee := fs.Int("fee-bps", -1, "new fee in basis points")
	collector := fs.String("fee-collector", "", "new fee collector address")
	fxEngine := fs.String("fx-engine", "", "new active FX engine address")
	owner := fs.String("owner", "", "transfer router ownership to this address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	var (
		path string
		body any
	)
	set := 0
	if *fee >= 0 {
		set++
		path, body = "/v1/router/fee", map[string]int{"fee_bps": *fee}
	}
	for _, change := range []struct{ route, value string }{
		{"/v1/router/fee-collector", *collector},
		{"/v1/router/fx-engine", *fxEngine},
		{"/v1/router/owner", *owner},
	} {
		if strings.TrimSpace(change.value) == "" {
			continue
		}
		set++
		path, body = change.route, map[string]string{"address": strings.TrimSpace(change.value)}
	}
	switch set {
	case 0:
		raw, err := api.do(ctx, http.MethodGet, "/v1/router", nil, nil)
		return printResult(stdout, stderr, raw, err)
	case 1:
		raw, err := api.do(ctx, http.MethodPut, path, nil, body)
		return printResult(stdout, stderr, raw, err)
	default:
		printError(stderr, "only one router change may be applied at a time")
		return 2
	}
}
