package purchase

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mvetter/keymint/internal/catalog"
	kmerrors "github.com/mvetter/keymint/internal/errors"
	"github.com/mvetter/keymint/internal/metrics"
	"github.com/mvetter/keymint/internal/money"
	"github.com/mvetter/keymint/internal/pricing"
	"github.com/mvetter/keymint/internal/store"
)

// KeyPool hands out and takes back license keys for a product.
type KeyPool interface {
	Take(productID string) (string, error)
	Return(productID, key string) error
}

// ProductSource resolves product ids to catalog entries.
type ProductSource interface {
	Get(id string) (catalog.Product, error)
}

// Ledger is the slice of the balance store the coordinator needs.
type Ledger interface {
	Get(userID string) (*store.User, error)
	CreateUserIfAbsent(userID, username string) error
	TouchActivity(userID string) error
	DebitIfSufficient(userID string, amount money.Cents, category, description string) error
}

// LicenseStore creates and deletes license rows.
type LicenseStore interface {
	Create(licenseID, userID, productID, productName string, durationDays int, createdBy string, hwidLimit int) (*store.License, error)
	Delete(licenseID, userID string) (*store.License, error)
}

// Auditor appends to the admin action log.
type Auditor interface {
	Append(entry store.AuditEntry) error
}

// Notifier delivers a message to a user out of band. May be nil.
type Notifier interface {
	Notify(ctx context.Context, userID, message string) error
}

// Coordinator runs the multi-store purchase sequence. The inventory
// file, the license row, and the balance debit live in different
// stores with no shared transaction, so the coordinator compensates:
// any step that fails undoes the steps before it, and an undo that
// itself fails is journaled as an integrity incident rather than
// swallowed.
type Coordinator struct {
	pool     KeyPool
	products ProductSource
	ledger   Ledger
	licenses LicenseStore
	audit    Auditor
	notifier Notifier
	journal  *Journal
}

// Request identifies a purchase attempt. The buyer pays; the recipient
// receives the license. For a self-purchase both are the same user.
type Request struct {
	BuyerID       string
	BuyerName     string
	RecipientID   string
	RecipientName string
	ProductID     string
}

// GrantRequest is an admin-direct license issue with no debit.
type GrantRequest struct {
	AdminID      string
	UserID       string
	Username     string
	ProductID    string
	DurationDays int // 0 means the product's default duration
}

// Receipt summarizes a completed purchase.
type Receipt struct {
	AttemptID    string      `json:"attemptId"`
	LicenseID    string      `json:"licenseId"`
	ProductID    string      `json:"productId"`
	Price        money.Cents `json:"price"`
	Commission   money.Cents `json:"commission"`
	BalanceAfter money.Cents `json:"balanceAfter"`
}

// NewCoordinator wires a coordinator. notifier may be nil.
func NewCoordinator(pool KeyPool, products ProductSource, ledger Ledger, licenses LicenseStore, audit Auditor, notifier Notifier, journal *Journal) *Coordinator {
	return &Coordinator{
		pool:     pool,
		products: products,
		ledger:   ledger,
		licenses: licenses,
		audit:    audit,
		notifier: notifier,
		journal:  journal,
	}
}

// Purchase runs the full sequence: validate, reserve a key, create the
// license, debit the buyer, then best-effort audit and notification.
// The key taken from the pool is the license id.
func (c *Coordinator) Purchase(ctx context.Context, req Request) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if req.BuyerID == "" || req.RecipientID == "" || req.ProductID == "" {
		metrics.PurchasesTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, kmerrors.Invalid("purchase", req.ProductID, "buyer, recipient, and product are required")
	}

	attemptID := c.journal.NewAttemptID()

	product, err := c.products.Get(req.ProductID)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("invalid_product").Inc()
		return Receipt{}, err
	}

	buyer, err := c.ledger.Get(req.BuyerID)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}
	if !buyer.IsReseller {
		metrics.PurchasesTotal.WithLabelValues("unauthorized").Inc()
		return Receipt{}, kmerrors.New(kmerrors.ErrorTypeAuth, "purchase", req.BuyerID, kmerrors.ErrUnauthorized)
	}
	if err := c.ledger.TouchActivity(req.BuyerID); err != nil {
		log.Warn().Err(err).Str("user", req.BuyerID).Msg("Activity bump failed")
	}

	quote, err := pricing.Compute(product.PriceCents, buyer.CommissionRate)
	if err != nil {
		metrics.PurchasesTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	// Advisory pre-check so an obviously broke buyer never takes a key
	// out of the pool. The binding check happens inside
	// DebitIfSufficient under the per-user lock.
	if buyer.Balance < quote.Price {
		metrics.PurchasesTotal.WithLabelValues("insufficient_balance").Inc()
		return Receipt{}, kmerrors.New(kmerrors.ErrorTypeBalance, "purchase", req.BuyerID,
			fmt.Errorf("%w: have %s, need %s", kmerrors.ErrInsufficientBalance, buyer.Balance, quote.Price))
	}

	if err := c.ledger.CreateUserIfAbsent(req.RecipientID, req.RecipientName); err != nil {
		metrics.PurchasesTotal.WithLabelValues("rejected").Inc()
		return Receipt{}, err
	}

	c.journal.Record(Record{
		AttemptID: attemptID, Step: StepValidated,
		Buyer: req.BuyerID, Recipient: req.RecipientID,
		Product: req.ProductID, Price: int64(quote.Price),
	})

	key, err := c.pool.Take(req.ProductID)
	if err != nil {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepAborted, Product: req.ProductID, Error: err.Error()})
		metrics.PurchasesTotal.WithLabelValues("no_stock").Inc()
		return Receipt{}, err
	}
	metrics.KeysTaken.WithLabelValues(req.ProductID).Inc()
	c.journal.Record(Record{AttemptID: attemptID, Step: StepKeyReserved, Product: req.ProductID, LicenseID: key})

	lic, err := c.licenses.Create(key, req.RecipientID, product.ID, product.Name, product.DurationDays, req.BuyerID, 1)
	if err != nil {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepAborted, LicenseID: key, Error: err.Error()})
		c.returnKey(attemptID, req.ProductID, key)
		metrics.PurchasesTotal.WithLabelValues("license_failed").Inc()
		return Receipt{}, err
	}
	c.journal.Record(Record{AttemptID: attemptID, Step: StepLicenseCreated, LicenseID: lic.ID})

	// A 100% commission rate prices the license at zero; the ledger
	// rejects zero-amount movements, so skip the debit entirely.
	if quote.Price > 0 {
		desc := fmt.Sprintf("Purchase %s for %s", product.ID, req.RecipientID)
		if err := c.ledger.DebitIfSufficient(req.BuyerID, quote.Price, store.CategoryPurchase, desc); err != nil {
			c.journal.Record(Record{AttemptID: attemptID, Step: StepAborted, LicenseID: lic.ID, Error: err.Error()})
			c.rollBackLicense(attemptID, req.ProductID, lic.ID, req.RecipientID)
			metrics.PurchasesTotal.WithLabelValues("payment_failed").Inc()
			return Receipt{}, err
		}
		c.journal.Record(Record{AttemptID: attemptID, Step: StepDebited, Buyer: req.BuyerID, Price: int64(quote.Price)})
	}

	if err := c.audit.Append(store.AuditEntry{
		AdminID:       req.BuyerID,
		Action:        "purchase",
		TargetUser:    req.RecipientID,
		TargetLicense: lic.ID,
		Details:       fmt.Sprintf("product=%s price=%s commission=%s", product.ID, quote.Price, quote.Commission),
	}); err != nil {
		// The purchase is already final here. Losing the audit row is
		// an incident to investigate, not a reason to refund.
		c.journal.Record(Record{AttemptID: attemptID, Step: StepAuditFailed, LicenseID: lic.ID, Error: err.Error()})
		log.Error().Err(err).Str("attempt", attemptID).Str("license", lic.ID).
			Msg("Purchase completed but audit append failed")
	} else {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepAudited, LicenseID: lic.ID})
	}

	if c.notifier != nil {
		msg := fmt.Sprintf("Your %s license is ready: %s (expires %s)",
			product.Name, lic.ID, lic.ExpiresAt.Format("2006-01-02"))
		if err := c.notifier.Notify(ctx, req.RecipientID, msg); err != nil {
			log.Warn().Err(err).Str("user", req.RecipientID).Msg("Purchase notification failed")
		}
	}

	balanceAfter := buyer.Balance - quote.Price
	if after, err := c.ledger.Get(req.BuyerID); err == nil {
		balanceAfter = after.Balance
	}

	c.journal.Record(Record{AttemptID: attemptID, Step: StepCompleted, Buyer: req.BuyerID, LicenseID: lic.ID})
	metrics.PurchasesTotal.WithLabelValues("completed").Inc()
	log.Info().
		Str("attempt", attemptID).
		Str("buyer", req.BuyerID).
		Str("recipient", req.RecipientID).
		Str("product", product.ID).
		Str("license", lic.ID).
		Str("price", quote.Price.String()).
		Msg("Purchase completed")

	return Receipt{
		AttemptID:    attemptID,
		LicenseID:    lic.ID,
		ProductID:    product.ID,
		Price:        quote.Price,
		Commission:   quote.Commission,
		BalanceAfter: balanceAfter,
	}, nil
}

// Grant issues a license directly with no debit. DurationDays of zero
// uses the product's default.
func (c *Coordinator) Grant(ctx context.Context, req GrantRequest) (*store.License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AdminID == "" || req.UserID == "" || req.ProductID == "" {
		return nil, kmerrors.Invalid("grant", req.ProductID, "admin, user, and product are required")
	}

	attemptID := c.journal.NewAttemptID()

	product, err := c.products.Get(req.ProductID)
	if err != nil {
		return nil, err
	}
	duration := req.DurationDays
	if duration == 0 {
		duration = product.DurationDays
	}

	if err := c.ledger.CreateUserIfAbsent(req.UserID, req.Username); err != nil {
		return nil, err
	}

	key, err := c.pool.Take(req.ProductID)
	if err != nil {
		return nil, err
	}
	metrics.KeysTaken.WithLabelValues(req.ProductID).Inc()
	c.journal.Record(Record{
		AttemptID: attemptID, Step: StepKeyReserved,
		Buyer: req.AdminID, Recipient: req.UserID,
		Product: req.ProductID, LicenseID: key,
	})

	lic, err := c.licenses.Create(key, req.UserID, product.ID, product.Name, duration, req.AdminID, 1)
	if err != nil {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepAborted, LicenseID: key, Error: err.Error()})
		c.returnKey(attemptID, req.ProductID, key)
		return nil, err
	}

	if err := c.audit.Append(store.AuditEntry{
		AdminID:       req.AdminID,
		Action:        "grant_license",
		TargetUser:    req.UserID,
		TargetLicense: lic.ID,
		Details:       fmt.Sprintf("product=%s duration_days=%d", product.ID, duration),
	}); err != nil {
		log.Error().Err(err).Str("license", lic.ID).Msg("License granted but audit append failed")
	}

	c.journal.Record(Record{AttemptID: attemptID, Step: StepCompleted, Recipient: req.UserID, LicenseID: lic.ID})
	log.Info().
		Str("admin", req.AdminID).
		Str("user", req.UserID).
		Str("license", lic.ID).
		Msg("License granted")
	return lic, nil
}

// Revoke deletes the license and puts its key back at the head of the
// product pool so it is the next one handed out.
func (c *Coordinator) Revoke(ctx context.Context, licenseID, userID, adminID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	attemptID := c.journal.NewAttemptID()

	lic, err := c.licenses.Delete(licenseID, userID)
	if err != nil {
		return err
	}
	c.journal.Record(Record{AttemptID: attemptID, Step: StepLicenseRolledBack, Recipient: userID, LicenseID: licenseID})

	if err := c.pool.Return(lic.ProductID, lic.ID); err != nil {
		// The license row is gone but the key is stranded outside the
		// pool. Leave the trail for manual restocking.
		c.journal.Record(Record{AttemptID: attemptID, Step: StepCompensationFail, Product: lic.ProductID, LicenseID: lic.ID, Error: err.Error()})
		metrics.CompensationFailures.Inc()
		log.Error().Err(err).Str("product", lic.ProductID).Str("key", lic.ID).
			Msg("License revoked but key return failed, key stranded")
		return err
	}
	metrics.KeysReturned.WithLabelValues(lic.ProductID).Inc()
	c.journal.Record(Record{AttemptID: attemptID, Step: StepKeyReturned, Product: lic.ProductID, LicenseID: lic.ID})

	if err := c.audit.Append(store.AuditEntry{
		AdminID:       adminID,
		Action:        "revoke_license",
		TargetUser:    userID,
		TargetLicense: licenseID,
		Details:       fmt.Sprintf("product=%s key_returned=true", lic.ProductID),
	}); err != nil {
		log.Error().Err(err).Str("license", licenseID).Msg("License revoked but audit append failed")
	}

	log.Info().
		Str("admin", adminID).
		Str("user", userID).
		Str("license", licenseID).
		Msg("License revoked")
	return nil
}

// returnKey undoes a pool take. A failure here means the key is lost
// to the pool until an operator restocks it from the journal.
func (c *Coordinator) returnKey(attemptID, productID, key string) {
	if err := c.pool.Return(productID, key); err != nil {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepCompensationFail, Product: productID, LicenseID: key, Error: err.Error()})
		metrics.CompensationFailures.Inc()
		log.Error().Err(err).Str("product", productID).Str("key", key).
			Msg("Key return failed during rollback, key stranded")
		return
	}
	metrics.KeysReturned.WithLabelValues(productID).Inc()
	c.journal.Record(Record{AttemptID: attemptID, Step: StepKeyReturned, Product: productID, LicenseID: key})
}

// rollBackLicense undoes a license create plus the pool take before it.
func (c *Coordinator) rollBackLicense(attemptID, productID, licenseID, userID string) {
	if _, err := c.licenses.Delete(licenseID, userID); err != nil {
		c.journal.Record(Record{AttemptID: attemptID, Step: StepCompensationFail, LicenseID: licenseID, Error: err.Error()})
		metrics.CompensationFailures.Inc()
		log.Error().Err(err).Str("license", licenseID).
			Msg("License rollback failed, orphaned license row")
		// The key stays out of the pool while the license row exists,
		// otherwise the same key could be sold twice.
		return
	}
	c.journal.Record(Record{AttemptID: attemptID, Step: StepLicenseRolledBack, LicenseID: licenseID})
	c.returnKey(attemptID, productID, licenseID)
}
