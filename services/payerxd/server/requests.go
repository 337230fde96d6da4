package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"

	"payerx/native/token"
)

const maxBodyBytes = 1 << 20

type paymentRequest struct {
	ID           string `json:"id" validate:"omitempty,max=128"`
	TokenIn      string `json:"token_in" validate:"required"`
	TokenOut     string `json:"token_out" validate:"required"`
	AmountIn     string `json:"amount_in" validate:"required,number"`
	MinAmountOut string `json:"min_amount_out" validate:"omitempty,number"`
	Recipient    string `json:"recipient" validate:"required,eth_addr"`
}

type rateRequest struct {
	Rate string `json:"rate" validate:"required,numeric"`
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,number"`
}

type feeRequest struct {
	FeeBps *uint16 `json:"fee_bps" validate:"required"`
}

type addressRequest struct {
	Address string `json:"address" validate:"required,eth_addr"`
}

type approveRequest struct {
	Spender string `json:"spender" validate:"required,eth_addr"`
	Amount  string `json:"amount" validate:"required,number"`
}

type transferRequest struct {
	To     string `json:"to" validate:"required,eth_addr"`
	Amount string `json:"amount" validate:"required,number"`
}

func jsonFieldName(field reflect.StructField) string {
	name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return field.Name
	}
	return name
}

// decode reads a JSON body into dst and applies its validation tags.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalid(fmt.Sprintf("invalid payload: %v", err))
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return invalid(fmt.Sprintf("%s failed %s validation", first.Field(), first.Tag()))
		}
		return invalid(err.Error())
	}
	return nil
}

func (s *Server) caller(r *http.Request) common.Address {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		return common.Address{}
	}
	return principal.Account
}

func (s *Server) asset(ref string) (token.Asset, error) {
	if strings.TrimSpace(ref) == "" {
		return token.Asset{}, invalid("token required")
	}
	return s.engine.Lookup(ref)
}

// engineParam reads the optional engine selector. Absent means the router's
// active engine.
func engineParam(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("engine"))
	if raw == "" {
		return common.Address{}, nil
	}
	return parseAddress("engine", raw)
}

func parseAddress(field, raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, invalid(fmt.Sprintf("%s must be a hex address", field))
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	amount, err := token.ParseAmount(raw)
	if err != nil {
		return nil, invalid(fmt.Sprintf("%s: %v", field, err))
	}
	return amount, nil
}
