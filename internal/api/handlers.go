package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/money"
	"github.com/mvetter/keymint/internal/purchase"
	"github.com/mvetter/keymint/internal/store"
)

type userResponse struct {
	ID             string      `json:"id"`
	Username       string      `json:"username"`
	Balance        money.Cents `json:"balance"`
	TotalSpent     money.Cents `json:"totalSpent"`
	TotalEarned    money.Cents `json:"totalEarned"`
	IsReseller     bool        `json:"isReseller"`
	CommissionRate float64     `json:"commissionRate"`
	ResellerCode   string      `json:"resellerCode,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	LastActivity   time.Time   `json:"lastActivity"`
}

func toUserResponse(u *store.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Username:       u.Username,
		Balance:        u.Balance,
		TotalSpent:     u.TotalSpent,
		TotalEarned:    u.TotalEarned,
		IsReseller:     u.IsReseller,
		CommissionRate: u.CommissionRate,
		ResellerCode:   u.ResellerCode,
		CreatedAt:      u.CreatedAt,
		LastActivity:   u.LastActivity,
	}
}

type licenseResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ProductID   string    `json:"productId"`
	ProductName string    `json:"productName"`
	Hwid        string    `json:"hwid,omitempty"`
	HwidLimit   int       `json:"hwidLimit"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedBy   string    `json:"createdBy"`
	Active      bool      `json:"active"`
	Expired     bool      `json:"expired"`
}

func toLicenseResponse(l *store.License, now time.Time) licenseResponse {
	return licenseResponse{
		ID:          l.ID,
		UserID:      l.UserID,
		ProductID:   l.ProductID,
		ProductName: l.ProductName,
		Hwid:        l.Hwid,
		HwidLimit:   l.HwidLimit,
		CreatedAt:   l.CreatedAt,
		ExpiresAt:   l.ExpiresAt,
		CreatedBy:   l.CreatedBy,
		Active:      l.Active,
		Expired:     l.Expired(now),
	}
}

type transactionResponse struct {
	ID          int64       `json:"id"`
	Amount      money.Cents `json:"amount"`
	Category    string      `json:"category"`
	Description string      `json:"description"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type productResponse struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	PriceCents   money.Cents `json:"priceCents"`
	DurationDays int         `json:"durationDays"`
	Stock        int         `json:"stock"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.Ledger().Get(chi.URLParam(r, "id"))
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.JSON(w, r, toUserResponse(u))
}

func (s *Server) handleListLicenses(w http.ResponseWriter, r *http.Request) {
	includeExpired := r.URL.Query().Get("expired") == "true"
	licenses, err := s.store.Licenses().ListForUser(chi.URLParam(r, "id"), includeExpired)
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

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.store.Ledger().Recent(chi.URLParam(r, "id"), queryLimit(r, 20))
	if err != nil {
		renderError(w, r, err)
		return
	}

	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionResponse{
			ID:          t.ID,
			Amount:      t.Amount,
			Category:    t.Category,
			Description: t.Description,
			CreatedAt:   t.CreatedAt,
		})
	}
	render.JSON(w, r, out)
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	out := make([]productResponse, 0, s.catalog.Len())
	for _, p := range s.catalog.List() {
		stock, err := s.inventory.Count(p.ID)
		if err != nil {
			renderError(w, r, err)
			return
		}
		out = append(out, productResponse{
			ID:           p.ID,
			Name:         p.Name,
			PriceCents:   p.PriceCents,
			DurationDays: p.DurationDays,
			Stock:        stock,
		})
	}
	render.JSON(w, r, out)
}

type purchaseRequest struct {
	BuyerID       string `json:"buyerId"`
	BuyerName     string `json:"buyerName"`
	RecipientID   string `json:"recipientId"`
	RecipientName string `json:"recipientName"`
	ProductID     string `json:"productId"`
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, kmerrors.Invalid("purchase", "body", "malformed JSON"))
		return
	}
	if req.RecipientID == "" {
		req.RecipientID = req.BuyerID
		req.RecipientName = req.BuyerName
	}

	receipt, err := s.coord.Purchase(r.Context(), purchase.Request{
		BuyerID:       req.BuyerID,
		BuyerName:     req.BuyerName,
		RecipientID:   req.RecipientID,
		RecipientName: req.RecipientName,
		ProductID:     req.ProductID,
	})
	if err != nil {
		renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, receipt)
}

func queryLimit(r *http.Request, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return fallback
	}
	if n > 500 {
		return 500
	}
	return n
}
