package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/google/uuid"

	"github.com/cimillas/gatherly/internal/domain"
)

var (
	recordsBucket = []byte("records")
	keysBucket    = []byte("idempotency_keys")
)

// Record statuses inside the sandbox.
const (
	StatusOpen      = "open"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Record is one sandboxed ledger object.
type Record struct {
	Ref          string    `json:"ref"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Amount       int64     `json:"amount"`
	Refunded     int64     `json:"refunded"`
	Currency     string    `json:"currency"`
	Counterparty string    `json:"counterparty"`
	Parent       string    `json:"parent,omitempty"`
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sandbox is a local stand-in for the processor backed by a BoltDB file.
// Every create is keyed by its idempotency key: a retried call returns the
// stored reference and writes nothing.
type Sandbox struct {
	db *bolt.DB
}

// OpenSandbox opens (or creates) the sandbox file at path.
func OpenSandbox(path string) (*Sandbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open sandbox ledger: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init sandbox ledger: %w", err)
	}
	return &Sandbox{db: db}, nil
}

func (s *Sandbox) Close() error {
	return s.db.Close()
}

func (s *Sandbox) CreateIntent(_ context.Context, amount int64, currency, customerRef, key string) (string, error) {
	if amount <= 0 {
		return "", &DeclinedError{Op: kindIntent, Reason: "amount must be positive"}
	}
	return s.create(Record{Kind: kindIntent, Amount: amount, Currency: currency, Counterparty: customerRef, Key: key}, nil)
}

func (s *Sandbox) Refund(_ context.Context, intentRef string, amount int64, key string) (string, error) {
	return s.create(Record{Kind: kindRefund, Amount: amount, Parent: intentRef, Key: key, Status: StatusSucceeded},
		func(tx *bolt.Tx) error {
			parent, err := getRecord(tx, intentRef)
			if err != nil {
				return err
			}
			if parent.Kind != kindIntent || parent.Status != StatusSucceeded {
				return &DeclinedError{Op: kindRefund, Reason: "intent not captured"}
			}
			if amount <= 0 || parent.Refunded+amount > parent.Amount {
				return &DeclinedError{Op: kindRefund, Reason: "refund exceeds captured amount"}
			}
			parent.Refunded += amount
			return putRecord(tx, parent)
		})
}

func (s *Sandbox) Transfer(_ context.Context, destination string, amount int64, currency, key string) (string, error) {
	if destination == "" {
		return "", &DeclinedError{Op: kindTransfer, Reason: "destination required"}
	}
	return s.create(Record{Kind: kindTransfer, Amount: amount, Currency: currency, Counterparty: destination, Key: key}, nil)
}

// Get returns the stored record for ref.
func (s *Sandbox) Get(ref string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecord(tx, ref)
		return err
	})
	return rec, err
}

// Settle resolves an open intent or transfer and returns the webhook the
// real processor would deliver. Settling twice returns the same event id.
func (s *Sandbox) Settle(ref string, succeed bool, reason string) (domain.WebhookEvent, error) {
	var evt domain.WebhookEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecord(tx, ref)
		if err != nil {
			return err
		}
		if rec.Kind != kindIntent && rec.Kind != kindTransfer {
			return fmt.Errorf("cannot settle %s", rec.Kind)
		}
		if rec.Status == StatusOpen {
			rec.Status = StatusFailed
			if succeed {
				rec.Status = StatusSucceeded
			}
			if err := putRecord(tx, rec); err != nil {
				return err
			}
		}
		evt = webhookFor(rec, reason)
		return nil
	})
	return evt, err
}

func webhookFor(rec Record, reason string) domain.WebhookEvent {
	kind := domain.WebhookPaymentFailed
	switch {
	case rec.Kind == kindIntent && rec.Status == StatusSucceeded:
		kind = domain.WebhookPaymentSucceeded
	case rec.Kind == kindTransfer && rec.Status == StatusSucceeded:
		kind = domain.WebhookTransferSucceeded
	case rec.Kind == kindTransfer:
		kind = domain.WebhookTransferFailed
	}
	if rec.Status == StatusSucceeded {
		reason = ""
	}
	// Deterministic per ref and outcome so replays carry the same id.
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(rec.Ref+"/"+rec.Status)).String()
	return domain.WebhookEvent{ID: id, Kind: kind, Ref: rec.Ref, Reason: reason}
}

func (s *Sandbox) create(rec Record, check func(tx *bolt.Tx) error) (string, error) {
	var ref string
	err := s.db.Update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(keysBucket)
		idem := []byte(rec.Kind + ":" + rec.Key)
		if rec.Key != "" {
			if existing := keys.Get(idem); existing != nil {
				ref = string(existing)
				return nil
			}
		}
		if check != nil {
			if err := check(tx); err != nil {
				return err
			}
		}

		rec.Ref = rec.Kind[:2] + "_" + uuid.NewString()
		rec.CreatedAt = time.Now().UTC()
		if rec.Status == "" {
			rec.Status = StatusOpen
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		if rec.Key != "" {
			if err := keys.Put(idem, []byte(rec.Ref)); err != nil {
				return err
			}
		}
		ref = rec.Ref
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func getRecord(tx *bolt.Tx, ref string) (Record, error) {
	v := tx.Bucket(recordsBucket).Get([]byte(ref))
	if v == nil {
		return Record{}, ErrNotFound
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", ref, err)
	}
	return rec, nil
}

func putRecord(tx *bolt.Tx, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(recordsBucket).Put([]byte(rec.Ref), data)
}
