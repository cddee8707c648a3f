package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/rs/zerolog/log"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
	"github.com/mvetter/keymint/internal/purchase"
	"github.com/mvetter/keymint/internal/store"
)

type balanceRequest struct {
	AdminID  string      `json:"adminId"`
	UserID   string      `json:"userId"`
	Username string      `json:"username"`
	Amount   money.Cents `json:"amount"`
	Reason   string      `json:"reason"`
}

func (s *Server) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("adjust_balance", "body", "malformed JSON"))
		return
	}
	if req.AdminID == "" {
		renderError(w, r, kmerrors.Invalid("adjust_balance", req.UserID, "adminId is required"))
		return
	}

	if err := s.store.Ledger().CreateUserIfAbsent(req.UserID, req.Username); err != nil {
		renderError(w, r, err)
		return
	}

	category := store.CategoryAdminAdd
	action := "add_balance"
	if req.Amount < 0 {
		category = store.CategoryAdminRemove
		action = "remove_balance"
	}
	if err := s.store.Ledger().Adjust(req.UserID, req.Amount, category, req.Reason); err != nil {
		renderError(w, r, err)
		return
	}

	s.audit(store.AuditEntry{
		AdminID:    req.AdminID,
		Action:     action,
		TargetUser: req.UserID,
		Details:    fmt.Sprintf("amount=%s reason=%s", req.Amount, req.Reason),
	})

	u, err := s.store.Ledger().Get(req.UserID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, toUserResponse(u))
}

type grantRequest struct {
	AdminID      string `json:"adminId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	ProductID    string `json:"productId"`
	DurationDays int    `json:"durationDays"`
}

func (s *Server) handleGrantLicense(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("grant", "body", "malformed JSON"))
		return
	}

	lic, err := s.coord.Grant(r.Context(), purchase.GrantRequest{
		AdminID:      req.AdminID,
		UserID:       req.UserID,
		Username:     req.Username,
		ProductID:    req.ProductID,
		DurationDays: req.DurationDays,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toLicenseResponse(lic, time.Now()))
}

type revokeRequest struct {
	AdminID string `json:"adminId"`
	UserID  string `json:"userId"`
}

func (s *Server) handleRevokeLicense(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("revoke", "body", "malformed JSON"))
		return
	}

	if err := s.coord.Revoke(r.Context(), chi.URLParam(r, "id"), req.UserID, req.AdminID); err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]string{"status": "revoked"})
}

type resetHwidRequest struct {
	AdminID string `json:"adminId"`
	UserID  string `json:"userId"`
	Reason  string `json:"reason"`
}

func (s *Server) handleResetHwid(w http.ResponseWriter, r *http.Request) {
	var req resetHwidRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("reset_hwid", "body", "malformed JSON"))
		return
	}

	licenseID := chi.URLParam(r, "id")
	if err := s.store.Licenses().ResetHwid(licenseID, req.UserID, req.AdminID, req.Reason); err != nil {
		renderError(w, r, err)
		return
	}

	s.audit(store.AuditEntry{
		AdminID:       req.AdminID,
		Action:        "reset_hwid",
		TargetUser:    req.UserID,
		TargetLicense: licenseID,
		Details:       req.Reason,
	})
	render.JSON(w, r, map[string]string{"status": "reset"})
}

type resellerRequest struct {
	AdminID        string  `json:"adminId"`
	UserID         string  `json:"userId"`
	Username       string  `json:"username"`
	CommissionRate float64 `json:"commissionRate"`
}

func (s *Server) handleMakeReseller(w http.ResponseWriter, r *http.Request) {
	var req resellerRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("make_reseller", "body", "malformed JSON"))
		return
	}

	if err := s.store.Ledger().CreateUserIfAbsent(req.UserID, req.Username); err != nil {
		renderError(w, r, err)
		return
	}
	code, err := s.store.Ledger().MakeReseller(req.UserID, req.CommissionRate)
	if err != nil {
		renderError(w, r, err)
		return
	}

	s.audit(store.AuditEntry{
		AdminID:    req.AdminID,
		Action:     "make_reseller",
		TargetUser: req.UserID,
		Details:    fmt.Sprintf("rate=%.2f", req.CommissionRate),
	})
	render.JSON(w, r, map[string]string{"resellerCode": code})
}

type stockRequest struct {
	AdminID   string   `json:"adminId"`
	ProductID string   `json:"productId"`
	Keys      []string `json:"keys"`
}

func (s *Server) handleStockKeys(w http.ResponseWriter, r *http.Request) {
	var req stockRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("stock", "body", "malformed JSON"))
		return
	}
	if len(req.Keys) == 0 {
		renderError(w, r, kmerrors.Invalid("stock", req.ProductID, "no keys supplied"))
		return
	}

	// Unknown products are rejected up front so a typo cannot create a
	// brand-new pool file.
	if _, err := s.catalog.Get(req.ProductID); err != nil {
		renderError(w, r, err)
		return
	}

	// Duplicates and malformed keys are skipped, not fatal: a re-run of
	// a partially loaded batch must add the missing keys instead of
	// failing on the first one already present.
	added, skipped := 0, 0
	for _, key := range req.Keys {
		err := s.inventory.Stock(req.ProductID, key)
		switch {
		case err == nil:
			added++
		case errors.Is(err, kmerrors.ErrInvalidInput):
			skipped++
		default:
			// Keys stocked before a persistence failure are durable, so
			// record them even though the batch did not finish.
			s.auditStocked(req.AdminID, req.ProductID, added, skipped)
			renderError(w, r, err)
			return
		}
	}

	s.auditStocked(req.AdminID, req.ProductID, added, skipped)

	count, err := s.inventory.Count(req.ProductID)
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"added": added, "skipped": skipped, "stock": count})
}

func (s *Server) auditStocked(adminID, productID string, added, skipped int) {
	if added == 0 {
		return
	}
	s.audit(store.AuditEntry{
		AdminID: adminID,
		Action:  "stock_keys",
		Details: fmt.Sprintf("product=%s added=%d skipped=%d", productID, added, skipped),
	})
}

func (s *Server) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Ledger().Search(r.URL.Query().Get("q"), queryLimit(r, 10))
	if err != nil {
		renderError(w, r, err)
		return
	}

	out := make([]userResponse, 0, len(users))
	for i := range users {
		out = append(out, toUserResponse(&users[i]))
	}
	render.JSON(w, r, out)
}

func (s *Server) handleSearchLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := s.store.Licenses().Search(r.URL.Query().Get("q"), queryLimit(r, 10))
	if err != nil {
		renderError(w, r, err)
		return
	}

	now := time.Now()
	out := make([]licenseResponse, 0, len(licenses))
	for i := range licenses {
		out = append(out, toLicenseResponse(&licenses[i], now))
	}
	render.JSON(w, r, out)
}

type auditResponse struct {
	ID            int64     `json:"id"`
	AdminID       string    `json:"adminId"`
	Action        string    `json:"action"`
	TargetUser    string    `json:"targetUser,omitempty"`
	TargetLicense string    `json:"targetLicense,omitempty"`
	Details       string    `json:"details,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Audit().Recent(queryLimit(r, 20))
	if err != nil {
		renderError(w, r, err)
		return
	}

	out := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditResponse{
			ID:            e.ID,
			AdminID:       e.AdminID,
			Action:        e.Action,
			TargetUser:    e.TargetUser,
			TargetLicense: e.TargetLicense,
			Details:       e.Details,
			CreatedAt:     e.CreatedAt,
		})
	}
	render.JSON(w, r, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(time.Now())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, stats)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"swept": n})
}

// audit appends best effort. A failed audit row is an incident to log,
// not a reason to fail the admin action that already happened.
func (s *Server) audit(entry store.AuditEntry) {
	if err := s.store.Audit().Append(entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Audit append failed")
	}
}
