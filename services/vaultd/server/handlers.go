package server

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"nhbvault/core/types"
	"nhbvault/crypto"
	"nhbvault/native/vault"
	"nhbvault/services/vaultd/state"
	"nhbvault/services/vaultd/storage"
)

const (
	maxBodyBytes = 1 << 16
	maxListLimit = 500

	// nativeAssetAlias selects the native asset in request bodies.
	nativeAssetAlias = "native"
)

type amountRequest struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type statusResponse struct {
	Vault         string `json:"vault"`
	Operator      string `json:"operator"`
	Settlement    string `json:"settlement"`
	Native        string `json:"native,omitempty"`
	TotalValue    string `json:"totalValue"`
	Capacity      string `json:"capacity"`
	WithdrawLimit string `json:"withdrawLimit"`
	Backing       string `json:"backing"`
	LedgerRoot    string `json:"ledgerRoot"`
	Paused        bool   `json:"paused"`
}

type receiptResponse struct {
	Depositor string `json:"depositor"`
	Asset     string `json:"asset,omitempty"`
	Kind      string `json:"kind,omitempty"`
	AmountIn  string `json:"amountIn,omitempty"`
	Credited  string `json:"credited,omitempty"`
	Debited   string `json:"debited,omitempty"`
	Balance   string `json:"balance"`
	Total     string `json:"totalValue"`
}

type eventResponse struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type poolResponse struct {
	AssetA   string `json:"assetA"`
	AssetB   string `json:"assetB"`
	ReserveA string `json:"reserveA"`
	ReserveB string `json:"reserveB"`
}

type journalResponse struct {
	ID        string    `json:"id"`
	Operation string    `json:"operation"`
	Caller    string    `json:"caller,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Result    string    `json:"result,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	err := s.engine.CheckInvariants()
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("vaultd: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	params := s.engine.Params()
	resp := statusResponse{
		Vault:         params.Vault.String(),
		Operator:      params.Operator.String(),
		Settlement:    params.Settlement.String(),
		Native:        params.Native.String(),
		TotalValue:    vault.FormatAmount(s.engine.TotalValue()),
		Capacity:      vault.FormatAmount(params.Capacity),
		WithdrawLimit: vault.FormatAmount(params.WithdrawLimit),
		Backing:       vault.FormatAmount(s.bank.BalanceOf(params.Settlement, params.Vault)),
		Paused:        s.engine.Paused(),
	}
	root, err := state.LedgerRoot(s.engine.Snapshot())
	s.mu.RUnlock()
	if err != nil {
		s.logger.Error("vaultd: ledger root", "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	resp.LedgerRoot = root.Hex()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid address: %v", err))
		return
	}
	s.mu.RLock()
	balance := s.engine.BalanceOf(addr)
	s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"address": addr.String(),
		"balance": vault.FormatAmount(balance),
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, amount, err := s.resolve(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.mu.RLock()
	out, err := s.engine.Estimate(r.Context(), asset, amount)
	s.mu.RUnlock()
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":    asset.String(),
		"amount":   vault.FormatAmount(amount),
		"estimate": vault.FormatAmount(out),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller required")
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	native := strings.EqualFold(trimmed(req.Asset), nativeAssetAlias)
	asset, amount, err := s.resolve(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	operation := "deposit"
	if native {
		operation = "deposit_native"
	}
	var receipt *vault.Receipt
	err = s.mutate(r.Context(), s.entry(operation, caller, asset, amount), func() (string, error) {
		var derr error
		if native {
			receipt, derr = s.engine.DepositNative(r.Context(), caller, amount)
		} else {
			receipt, derr = s.engine.Deposit(r.Context(), caller, asset, amount)
		}
		if derr != nil {
			return "", derr
		}
		return vault.FormatAmount(receipt.Credited), nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller required")
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, err := vault.ParseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var receipt *vault.Receipt
	err = s.mutate(r.Context(), s.entry("withdraw", caller, crypto.Address{}, amount), func() (string, error) {
		var werr error
		receipt, werr = s.engine.Withdraw(r.Context(), caller, amount)
		if werr != nil {
			return "", werr
		}
		return vault.FormatAmount(receipt.Debited), nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptView(receipt))
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	operation := "unpause"
	if paused {
		operation = "pause"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := CallerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "caller required")
			return
		}
		err := s.mutate(r.Context(), s.entry(operation, caller, crypto.Address{}, nil), func() (string, error) {
			if paused {
				return "", s.engine.Pause(r.Context(), caller)
			}
			return "", s.engine.Unpause(r.Context(), caller)
		})
		if err != nil {
			s.writeVaultError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"paused": paused})
	}
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.handleOperatorTransfer(w, r, "emergency_sweep", func(caller, asset crypto.Address, amount *big.Int) error {
		return s.engine.EmergencySweep(r.Context(), caller, asset, amount)
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	s.handleOperatorTransfer(w, r, "recover_foreign", func(caller, asset crypto.Address, amount *big.Int) error {
		return s.engine.RecoverForeignAsset(r.Context(), caller, asset, amount)
	})
}

func (s *Server) handleOperatorTransfer(w http.ResponseWriter, r *http.Request, operation string, fn func(caller, asset crypto.Address, amount *big.Int) error) {
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller required")
		return
	}
	var req amountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	asset, amount, err := s.resolve(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.mutate(r.Context(), s.entry(operation, caller, asset, amount), func() (string, error) {
		if err := fn(caller, asset, amount); err != nil {
			return "", err
		}
		return vault.FormatAmount(amount), nil
	})
	if err != nil {
		s.writeVaultError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"asset":  asset.String(),
		"amount": vault.FormatAmount(amount),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	recent := s.events.Recent(limit)
	out := make([]eventResponse, 0, len(recent))
	for _, evt := range recent {
		view := eventResponse{Type: evt.EventType()}
		if typed, ok := evt.(interface{ Event() *types.Event }); ok && typed.Event() != nil {
			view.Attributes = typed.Event().Attributes
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	if s.exchange == nil {
		writeJSON(w, http.StatusOK, map[string]any{"pools": []poolResponse{}})
		return
	}
	pools := s.exchange.Pools()
	out := make([]poolResponse, 0, len(pools))
	for _, p := range pools {
		out = append(out, poolResponse{
			AssetA:   p.AssetA.String(),
			AssetB:   p.AssetB.String(),
			ReserveA: vault.FormatAmount(p.ReserveA),
			ReserveB: vault.FormatAmount(p.ReserveB),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": out})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	if !caller.Equal(s.engine.Params().Operator) {
		writeErrorKind(w, http.StatusForbidden, vault.KindAuthorization.String(), vault.ErrUnauthorized.Error())
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("vaultd: read journal", "error", err)
		writeError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return
	}
	out := make([]journalResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, journalResponse{
			ID:        e.ID,
			Operation: e.Operation,
			Caller:    e.Caller,
			Asset:     e.Asset,
			Amount:    e.Amount,
			Result:    e.Result,
			Outcome:   e.Outcome,
			Error:     e.Error,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// resolve parses the asset and amount of req. The "native" alias maps to the
// configured native asset.
func (s *Server) resolve(req amountRequest) (crypto.Address, *big.Int, error) {
	raw := trimmed(req.Asset)
	var asset crypto.Address
	switch {
	case raw == "":
		return crypto.Address{}, nil, fmt.Errorf("asset required")
	case strings.EqualFold(raw, nativeAssetAlias):
		asset = s.engine.Params().Native
		if asset.IsZero() {
			return crypto.Address{}, nil, fmt.Errorf("native asset not configured")
		}
	default:
		decoded, err := crypto.DecodeAddress(raw)
		if err != nil {
			return crypto.Address{}, nil, fmt.Errorf("invalid asset: %w", err)
		}
		asset = decoded
	}
	amount, err := vault.ParseAmount(req.Amount)
	if err != nil {
		return crypto.Address{}, nil, err
	}
	return asset, amount, nil
}

func (s *Server) entry(operation string, caller, asset crypto.Address, amount *big.Int) storage.Entry {
	entry := storage.Entry{Operation: operation, Caller: caller.String(), Asset: asset.String()}
	if amount != nil {
		entry.Amount = vault.FormatAmount(amount)
	}
	return entry
}

func receiptView(r *vault.Receipt) receiptResponse {
	view := receiptResponse{
		Depositor: r.Depositor.String(),
		Balance:   vault.FormatAmount(r.Balance),
		Total:     vault.FormatAmount(r.Total),
	}
	if r.Credited != nil {
		view.Asset = r.Asset.ID.String()
		view.Kind = r.Asset.Kind.String()
		view.AmountIn = vault.FormatAmount(r.AmountIn)
		view.Credited = vault.FormatAmount(r.Credited)
	}
	if r.Debited != nil {
		view.Debited = vault.FormatAmount(r.Debited)
	}
	return view
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := trimmed(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]string{"error": message, "kind": kind})
}
