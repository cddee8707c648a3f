package purchase

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Journal step names written for each purchase attempt. The journal is
// the operator's reconciliation trail: a crash mid-attempt leaves the
// steps that did complete, so the terminal record (completed, aborted,
// or compensated) can be reconstructed by hand.
const (
	StepValidated         = "validated"
	StepKeyReserved       = "key_reserved"
	StepLicenseCreated    = "license_created"
	StepDebited           = "debited"
	StepAudited           = "audited"
	StepAuditFailed       = "audit_failed"
	StepCompleted         = "completed"
	StepAborted           = "aborted"
	StepKeyReturned       = "key_returned"
	StepLicenseRolledBack = "license_rolled_back"
	StepCompensationFail  = "compensation_failed"
)

// Record is one journal line.
type Record struct {
	Time      time.Time `json:"time"`
	AttemptID string    `json:"attemptId"`
	Step      string    `json:"step"`
	Buyer     string    `json:"buyer,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Product   string    `json:"product,omitempty"`
	LicenseID string    `json:"licenseId,omitempty"`
	Price     int64     `json:"price,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Journal is an append-only JSON-lines file, fsynced per record so the
// trail survives a crash immediately after a step.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	path string

	entropy *rand.Rand
}

// OpenJournal opens (creating if needed) the journal file.
func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open purchase journal: %w", err)
	}
	return &Journal{
		f:       f,
		path:    path,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NewAttemptID returns a fresh sortable attempt id.
func (j *Journal) NewAttemptID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), j.entropy).String()
}

// Record appends one line. Failures are logged, never propagated: the
// journal must not be able to fail a purchase, only to dull the trail.
func (j *Journal) Record(rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("attempt", rec.AttemptID).Msg("Journal record marshal failed")
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.f.Write(append(data, '\n')); err != nil {
		log.Error().Err(err).Str("attempt", rec.AttemptID).Str("step", rec.Step).
			Msg("Journal write failed")
		return
	}
	if err := j.f.Sync(); err != nil {
		log.Error().Err(err).Str("attempt", rec.AttemptID).Msg("Journal sync failed")
	}
}

// Close closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
