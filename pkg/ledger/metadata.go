package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MetadataVersion is the schema version written by this package.
const MetadataVersion = 1

// TransactionMetadata is the typed annotation bag carried by a transaction.
// Fields are optional per transaction type: PeriodDays only applies to
// subscriptions, FailureReason/FailureCode only to failed records.
type TransactionMetadata struct {
	Version       int      `json:"version"`
	PlanID        string   `json:"plan_id,omitempty"`
	PlanName      string   `json:"plan_name,omitempty"`
	HoursIncluded Quantity `json:"hours_included"`
	PeriodDays    int      `json:"period_days,omitempty"`
	GuestEmail    string   `json:"guest_email,omitempty"`
	PaymentMethod string   `json:"payment_method,omitempty"`
	FailureReason string   `json:"failure_reason,omitempty"`
	FailureCode   string   `json:"failure_code,omitempty"`
	Notes         []string `json:"notes,omitempty"`
}

// NewPlanMetadata seeds metadata from a catalog plan.
func NewPlanMetadata(plan Plan) TransactionMetadata {
	metadata := TransactionMetadata{
		Version:       MetadataVersion,
		PlanID:        plan.ID.String(),
		PlanName:      plan.Name,
		HoursIncluded: plan.HoursIncluded,
	}
	if plan.Type == TransactionTypeSubscription {
		metadata.PeriodDays = plan.PeriodDays
	}
	return metadata
}

// MarshalMetadata encodes metadata for persistence.
func MarshalMetadata(metadata TransactionMetadata) ([]byte, error) {
	if metadata.Version == 0 {
		metadata.Version = MetadataVersion
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return encoded, nil
}

// UnmarshalMetadata decodes persisted metadata; empty input yields a
// current-version value. Unknown future versions are rejected.
func UnmarshalMetadata(raw []byte) (TransactionMetadata, error) {
	if strings.TrimSpace(string(raw)) == "" {
		return TransactionMetadata{Version: MetadataVersion, HoursIncluded: ZeroQuantity}, nil
	}
	var metadata TransactionMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return TransactionMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if metadata.Version == 0 {
		metadata.Version = MetadataVersion
	}
	if metadata.Version > MetadataVersion {
		return TransactionMetadata{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidMetadata, metadata.Version)
	}
	return metadata, nil
}

// WithNote returns a copy with an appended free-form annotation.
func (metadata TransactionMetadata) WithNote(note string) TransactionMetadata {
	trimmed := strings.TrimSpace(note)
	if trimmed == "" {
		return metadata
	}
	notes := make([]string, 0, len(metadata.Notes)+1)
	notes = append(notes, metadata.Notes...)
	metadata.Notes = append(notes, trimmed)
	return metadata
}
