package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stewardhq/steward/internal/router"
	"github.com/stewardhq/steward/pkg/schema"
)

// Logical CRM operation names. Each tier serves the same set.
const (
	OpFetchRecord      = "fetch_record"
	OpListChangedSince = "list_changed_since"
	OpWriteField       = "write_field"
	OpBulkRead         = "bulk_read"
)

// CRM provides the logical record-service operations over the tiered
// router. It knows which operations are writes and how batches are
// sized; wire formats belong to the tier clients.
type CRM struct {
	router *router.Router
}

// NewCRM creates a CRM facade over the given router.
func NewCRM(r *router.Router) *CRM {
	return &CRM{router: r}
}

// FetchRecord retrieves one record by id.
func (c *CRM) FetchRecord(ctx context.Context, id string) (json.RawMessage, error) {
	res, err := c.router.Call(ctx, router.Operation{
		Name:     OpFetchRecord,
		TargetID: id,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// ListChangedSince lists records owned by owner changed after the cutoff.
func (c *CRM) ListChangedSince(ctx context.Context, owner string, since time.Time) (json.RawMessage, error) {
	payload, _ := json.Marshal(map[string]any{
		"owner": owner,
		"since": since.UTC().Format(time.RFC3339),
	})
	res, err := c.router.Call(ctx, router.Operation{
		Name:    OpListChangedSince,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// WriteField updates a single field on a record. Always a mutating call;
// callers must hold an approved decision before invoking it.
func (c *CRM) WriteField(ctx context.Context, id, field string, value any) (json.RawMessage, error) {
	payload, err := json.Marshal(map[string]any{
		"field": field,
		"value": value,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "write_field: unserializable value for field %q", field).WithCause(err)
	}
	res, err := c.router.Call(ctx, router.Operation{
		Name:     OpWriteField,
		TargetID: id,
		Payload:  payload,
		Write:    true,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// BulkRead retrieves many records at once. The batch size steers tier
// selection: large batches skip the interactive tier.
func (c *CRM) BulkRead(ctx context.Context, ids []string) (json.RawMessage, error) {
	payload, _ := json.Marshal(map[string]any{"ids": ids})
	res, err := c.router.Call(ctx, router.Operation{
		Name:      OpBulkRead,
		Payload:   payload,
		BatchSize: len(ids),
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}
