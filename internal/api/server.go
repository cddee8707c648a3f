// Package api exposes the engine to collaborating services over HTTP.
// The surface is deliberately thin: handlers decode, delegate to the
// stores or the coordinator, and render. No business rules live here.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mvetter/keymint/internal/catalog"
	"github.com/mvetter/keymint/internal/inventory"
	"github.com/mvetter/keymint/internal/purchase"
	"github.com/mvetter/keymint/internal/store"
	"github.com/mvetter/keymint/internal/sweeper"
)

// Server holds the handler dependencies.
type Server struct {
	store      *store.Store
	inventory  *inventory.Inventory
	catalog    *catalog.Catalog
	coord      *purchase.Coordinator
	sweeper    *sweeper.Sweeper
	adminToken string
}

// NewServer wires the HTTP surface.
func NewServer(st *store.Store, inv *inventory.Inventory, cat *catalog.Catalog, coord *purchase.Coordinator, sw *sweeper.Sweeper, adminToken string) *Server {
	return &Server{
		store:      st,
		inventory:  inv,
		catalog:    cat,
		coord:      coord,
		sweeper:    sw,
		adminToken: adminToken,
	}
}

// Router builds the route tree. Everything under /api/admin requires
// the bearer token.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(requestLogger)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", s.handleListProducts)
		r.Post("/purchase", s.handlePurchase)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Get("/licenses", s.handleListLicenses)
			r.Get("/transactions", s.handleListTransactions)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminAuth(s.adminToken))

			r.Post("/balance", s.handleAdjustBalance)
			r.Post("/licenses", s.handleGrantLicense)
			r.Delete("/licenses/{id}", s.handleRevokeLicense)
			r.Post("/licenses/{id}/reset-hwid", s.handleResetHwid)
			r.Post("/resellers", s.handleMakeReseller)
			r.Post("/keys", s.handleStockKeys)
			r.Get("/users", s.handleSearchUsers)
			r.Get("/licenses", s.handleSearchLicenses)
			r.Get("/audit", s.handleAuditLog)
			r.Get("/stats", s.handleStats)
			r.Post("/sweep", s.handleSweep)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}
