package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
)

type receiptResponse struct {
	ID             string `json:"id"`
	Sender         string `json:"sender"`
	Recipient      string `json:"recipient"`
	TokenIn        string `json:"token_in"`
	TokenOut       string `json:"token_out"`
	AmountIn       string `json:"amount_in"`
	FeeAmount      string `json:"fee_amount"`
	AmountAfterFee string `json:"amount_after_fee"`
	AmountOut      string `json:"amount_out"`
	FeeCollector   string `json:"fee_collector"`
	FXEngine       string `json:"fx_engine"`
	TraceID        string `json:"trace_id,omitempty"`
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "pay", err)
		return
	}
	in, err := s.asset(req.TokenIn)
	if err != nil {
		s.fail(w, r, "pay", err)
		return
	}
	out, err := s.asset(req.TokenOut)
	if err != nil {
		s.fail(w, r, "pay", err)
		return
	}
	amountIn, err := parseAmount("amount_in", req.AmountIn)
	if err != nil {
		s.fail(w, r, "pay", err)
		return
	}
	minOut := new(uint256.Int)
	if strings.TrimSpace(req.MinAmountOut) != "" {
		if minOut, err = parseAmount("min_amount_out", req.MinAmountOut); err != nil {
			s.fail(w, r, "pay", err)
			return
		}
	}
	receipt, err := s.engine.RouteAndPay(r.Context(), s.caller(r), router.Request{
		ID:           strings.TrimSpace(req.ID),
		TokenIn:      in.Address,
		TokenOut:     out.Address,
		AmountIn:     amountIn,
		MinAmountOut: minOut,
		Recipient:    common.HexToAddress(req.Recipient),
	})
	if err != nil {
		s.fail(w, r, "pay", err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptResponse{
		ID:             receipt.ID,
		Sender:         receipt.Sender.Hex(),
		Recipient:      receipt.Recipient.Hex(),
		TokenIn:        receipt.TokenIn.Hex(),
		TokenOut:       receipt.TokenOut.Hex(),
		AmountIn:       receipt.AmountIn.Dec(),
		FeeAmount:      receipt.FeeAmount.Dec(),
		AmountAfterFee: receipt.AmountAfterFee.Dec(),
		AmountOut:      receipt.AmountOut.Dec(),
		FeeCollector:   receipt.FeeCollector.Hex(),
		FXEngine:       receipt.FXEngine.Hex(),
		TraceID:        traceIDFromContext(r.Context()),
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	payment, err := s.payments.Payment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get_payment", err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 1000 {
			s.fail(w, r, "list_payments", invalid("limit must be between 1 and 1000"))
			return
		}
		limit = parsed
	}
	payments, err := s.payments.RecentPayments(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list_payments", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	in, err := s.asset(query.Get("token_in"))
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	out, err := s.asset(query.Get("token_out"))
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	amountIn, err := parseAmount("amount_in", query.Get("amount_in"))
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	quote, err := s.engine.Quote(r.Context(), in.Address, out.Address, amountIn)
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	estimated, err := s.engine.EstimatedOutput(r.Context(), in.Address, out.Address, amountIn)
	if err != nil {
		s.fail(w, r, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token_in":         in.Address.Hex(),
		"token_out":        out.Address.Hex(),
		"amount_in":        amountIn.Dec(),
		"fee_bps":          quote.FeeBps,
		"fee_amount":       quote.FeeAmount.Dec(),
		"amount_after_fee": quote.AmountAfterFee.Dec(),
		"amount_out":       quote.AmountOut.Dec(),
		"estimated_output": estimated.Dec(),
	})
}

func (s *Server) pair(r *http.Request) (token.Asset, token.Asset, common.Address, error) {
	in, err := s.asset(chi.URLParam(r, "tokenIn"))
	if err != nil {
		return token.Asset{}, token.Asset{}, common.Address{}, err
	}
	out, err := s.asset(chi.URLParam(r, "tokenOut"))
	if err != nil {
		return token.Asset{}, token.Asset{}, common.Address{}, err
	}
	engine, err := engineParam(r)
	if err != nil {
		return token.Asset{}, token.Asset{}, common.Address{}, err
	}
	return in, out, engine, nil
}

func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	in, out, engine, err := s.pair(r)
	if err != nil {
		s.fail(w, r, "get_rate", err)
		return
	}
	info, err := s.engine.GetRate(r.Context(), engine, in.Address, out.Address)
	if err != nil {
		s.fail(w, r, "get_rate", err)
		return
	}
	resp := map[string]any{
		"token_in":         in.Address.Hex(),
		"token_out":        out.Address.Hex(),
		"rate":             rates.FormatRate(info.Rate),
		"rate_fixed":       info.Rate.Dec(),
		"fresh":            info.Fresh,
		"validity_seconds": int64(info.Validity / time.Second),
	}
	if !info.UpdatedAt.IsZero() {
		resp["updated_at"] = info.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	in, out, engine, err := s.pair(r)
	if err != nil {
		s.fail(w, r, "set_rate", err)
		return
	}
	var req rateRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "set_rate", err)
		return
	}
	rate, err := rates.ParseRate(req.Rate)
	if err != nil {
		s.fail(w, r, "set_rate", invalid(err.Error()))
		return
	}
	if err := s.engine.SetRate(r.Context(), s.caller(r), engine, in.Address, out.Address, rate); err != nil {
		s.fail(w, r, "set_rate", err)
		return
	}
	s.handleGetRate(w, r)
}

func (s *Server) liquidityTarget(r *http.Request) (token.Asset, common.Address, error) {
	asset, err := s.asset(chi.URLParam(r, "token"))
	if err != nil {
		return token.Asset{}, common.Address{}, err
	}
	engine, err := engineParam(r)
	if err != nil {
		return token.Asset{}, common.Address{}, err
	}
	return asset, engine, nil
}

func (s *Server) writeReserve(w http.ResponseWriter, r *http.Request, op string, asset token.Asset, engine common.Address, extra map[string]any) {
	reserve, err := s.engine.GetLiquidity(r.Context(), engine, asset.Address)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	resp := map[string]any{
		"token":   asset.Address.Hex(),
		"symbol":  asset.Symbol,
		"reserve": reserve.Dec(),
	}
	for k, v := range extra {
		resp[k] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetLiquidity(w http.ResponseWriter, r *http.Request) {
	asset, engine, err := s.liquidityTarget(r)
	if err != nil {
		s.fail(w, r, "get_liquidity", err)
		return
	}
	s.writeReserve(w, r, "get_liquidity", asset, engine, nil)
}

func (s *Server) handleAddLiquidity(w http.ResponseWriter, r *http.Request) {
	asset, engine, err := s.liquidityTarget(r)
	if err != nil {
		s.fail(w, r, "add_liquidity", err)
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "add_liquidity", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "add_liquidity", err)
		return
	}
	if err := s.engine.AddLiquidity(r.Context(), s.caller(r), engine, asset.Address, amount); err != nil {
		s.fail(w, r, "add_liquidity", err)
		return
	}
	s.writeReserve(w, r, "add_liquidity", asset, engine, nil)
}

func (s *Server) handleSyncLiquidity(w http.ResponseWriter, r *http.Request) {
	asset, engine, err := s.liquidityTarget(r)
	if err != nil {
		s.fail(w, r, "sync_liquidity", err)
		return
	}
	delta, err := s.engine.SyncLiquidity(r.Context(), engine, asset.Address)
	if err != nil {
		s.fail(w, r, "sync_liquidity", err)
		return
	}
	s.writeReserve(w, r, "sync_liquidity", asset, engine, map[string]any{"delta": delta.Dec()})
}

func (s *Server) handleWithdrawLiquidity(w http.ResponseWriter, r *http.Request) {
	asset, engine, err := s.liquidityTarget(r)
	if err != nil {
		s.fail(w, r, "emergency_withdraw", err)
		return
	}
	var req amountRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "emergency_withdraw", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "emergency_withdraw", err)
		return
	}
	if err := s.engine.EmergencyWithdraw(r.Context(), s.caller(r), engine, asset.Address, amount); err != nil {
		s.fail(w, r, "emergency_withdraw", err)
		return
	}
	s.writeReserve(w, r, "emergency_withdraw", asset, engine, nil)
}

func healthResponse(rep liquidity.Report) map[string]any {
	recommendations := rep.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}
	return map[string]any{
		"token":           rep.Token.Hex(),
		"symbol":          rep.Symbol,
		"decimals":        rep.Decimals,
		"balance":         rep.Balance.Dec(),
		"tracked":         rep.Tracked.Dec(),
		"gap":             rep.Gap.String(),
		"gap_bps":         rep.GapBps,
		"utilization_bps": rep.UtilizationBps,
		"synced":          rep.Synced,
		"status":          string(rep.Status),
		"utilization":     string(rep.Utilization),
		"recommendations": recommendations,
	}
}

func (s *Server) handleLiquidityHealth(w http.ResponseWriter, r *http.Request) {
	asset, engine, err := s.liquidityTarget(r)
	if err != nil {
		s.fail(w, r, "liquidity_health", err)
		return
	}
	rep, err := s.engine.Health(r.Context(), engine, asset.Address)
	if err != nil {
		s.fail(w, r, "liquidity_health", err)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse(rep))
}

func (s *Server) handleLiquidityOverview(w http.ResponseWriter, r *http.Request) {
	engine, err := engineParam(r)
	if err != nil {
		s.fail(w, r, "liquidity_overview", err)
		return
	}
	assets := s.engine.Assets()
	reports := make([]liquidity.Report, 0, len(assets))
	rendered := make([]map[string]any, 0, len(assets))
	for _, asset := range assets {
		rep, err := s.engine.Health(r.Context(), engine, asset.Address)
		if err != nil {
			s.fail(w, r, "liquidity_overview", err)
			return
		}
		reports = append(reports, rep)
		rendered = append(rendered, healthResponse(rep))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(liquidity.Overall(reports)),
		"tokens": rendered,
	})
}

func (s *Server) handleGetRouter(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.Router(r.Context())
	if err != nil {
		s.fail(w, r, "router", err)
		return
	}
	engines := make([]string, 0)
	for _, addr := range s.engine.Engines() {
		engines = append(engines, addr.Hex())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":       info.Address.Hex(),
		"owner":         info.Owner.Hex(),
		"fee_collector": info.FeeCollector.Hex(),
		"fee_bps":       info.FeeBps,
		"max_fee_bps":   info.MaxFeeBps,
		"fx_engine":     info.Engine.Hex(),
		"engines":       engines,
	})
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "set_fee", err)
		return
	}
	if err := s.engine.SetFeeBps(r.Context(), s.caller(r), *req.FeeBps); err != nil {
		s.fail(w, r, "set_fee", err)
		return
	}
	s.handleGetRouter(w, r)
}

func (s *Server) handleSetFeeCollector(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "set_fee_collector", err)
		return
	}
	if err := s.engine.SetFeeCollector(r.Context(), s.caller(r), common.HexToAddress(req.Address)); err != nil {
		s.fail(w, r, "set_fee_collector", err)
		return
	}
	s.handleGetRouter(w, r)
}

func (s *Server) handleSetFXEngine(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "update_fx_engine", err)
		return
	}
	if err := s.engine.UpdateFXEngine(r.Context(), s.caller(r), common.HexToAddress(req.Address)); err != nil {
		s.fail(w, r, "update_fx_engine", err)
		return
	}
	s.handleGetRouter(w, r)
}

func (s *Server) handleTransferOwnership(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "transfer_ownership", err)
		return
	}
	if err := s.engine.TransferOwnership(r.Context(), s.caller(r), common.HexToAddress(req.Address)); err != nil {
		s.fail(w, r, "transfer_ownership", err)
		return
	}
	s.handleGetRouter(w, r)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, op string, asset token.Asset, account common.Address) {
	balance, err := s.engine.BalanceOf(r.Context(), asset.Address, account)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     asset.Address.Hex(),
		"symbol":    asset.Symbol,
		"account":   account.Hex(),
		"balance":   balance.Dec(),
		"formatted": token.FormatUnits(balance, asset.Decimals),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	asset, err := s.asset(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	var req approveRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	owner := s.caller(r)
	spender := common.HexToAddress(req.Spender)
	if err := s.engine.Approve(r.Context(), owner, asset.Address, spender, amount); err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	allowance, err := s.engine.Allowance(r.Context(), asset.Address, owner, spender)
	if err != nil {
		s.fail(w, r, "approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     asset.Address.Hex(),
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": allowance.Dec(),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	asset, err := s.asset(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	var req transferRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	caller := s.caller(r)
	if err := s.engine.Transfer(r.Context(), caller, asset.Address, common.HexToAddress(req.To), amount); err != nil {
		s.fail(w, r, "transfer", err)
		return
	}
	s.writeBalance(w, r, "transfer", asset, caller)
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	asset, err := s.asset(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	var req transferRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	to := common.HexToAddress(req.To)
	if err := s.engine.Mint(r.Context(), s.caller(r), asset.Address, to, amount); err != nil {
		s.fail(w, r, "mint", err)
		return
	}
	s.writeBalance(w, r, "mint", asset, to)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	asset, err := s.asset(chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, "balance", err)
		return
	}
	account, err := parseAddress("account", chi.URLParam(r, "account"))
	if err != nil {
		s.fail(w, r, "balance", err)
		return
	}
	s.writeBalance(w, r, "balance", asset, account)
}
