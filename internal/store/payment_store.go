package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/soitun/effectai-engine/internal/model"
)

const paymentHashPrefix = "payment/"

func paymentHash(recipient string) string {
	return paymentHashPrefix + recipient
}

// PaymentStore persists PaymentRecords under payment/<recipient>/<nonce>.
// Each recipient gets its own Redis hash keyed by nonce, so per-recipient
// reads (for batch formation) never scan unrelated recipients.
type PaymentStore struct {
	kv *KV
}

// NewPaymentStore wraps a shared KV store for payment persistence.
func NewPaymentStore(kv *KV) *PaymentStore {
	return &PaymentStore{kv: kv}
}

func recipientKey(r model.Recipient) string {
	return fmt.Sprintf("%x", r[:])
}

// Put stores a payment record keyed by its nonce within the recipient's hash.
func (s *PaymentStore) Put(ctx context.Context, rec *model.PaymentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("payment store: marshal nonce %d: %w", rec.Nonce, err)
	}
	return s.kv.set(ctx, paymentHash(recipientKey(rec.Recipient)), strconv.FormatUint(rec.Nonce, 10), data)
}

// Get loads a single payment record by recipient and nonce.
func (s *PaymentStore) Get(ctx context.Context, recipient model.Recipient, nonce uint64) (*model.PaymentRecord, error) {
	data, err := s.kv.get(ctx, paymentHash(recipientKey(recipient)), strconv.FormatUint(nonce, 10))
	if err != nil {
		return nil, err
	}
	var rec model.PaymentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("payment store: unmarshal nonce %d: %w", nonce, err)
	}
	return &rec, nil
}

// ListByRecipient returns every payment record for a recipient, sorted by
// ascending nonce.
func (s *PaymentStore) ListByRecipient(ctx context.Context, recipient model.Recipient) ([]*model.PaymentRecord, error) {
	raw, err := s.kv.values(ctx, paymentHash(recipientKey(recipient)))
	if err != nil {
		return nil, err
	}
	records := make([]*model.PaymentRecord, 0, len(raw))
	for _, data := range raw {
		var rec model.PaymentRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, &rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Nonce < records[j].Nonce })
	return records, nil
}

// HighestNonce returns the highest recorded nonce for a recipient and
// whether any records exist at all.
func (s *PaymentStore) HighestNonce(ctx context.Context, recipient model.Recipient) (uint64, bool, error) {
	records, err := s.ListByRecipient(ctx, recipient)
	if err != nil {
		return 0, false, err
	}
	if len(records) == 0 {
		return 0, false, nil
	}
	return records[len(records)-1].Nonce, true, nil
}
