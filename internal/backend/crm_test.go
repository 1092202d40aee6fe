package backend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/internal/router"
)

type stubTier struct {
	name string
	ops  []router.Operation
	out  json.RawMessage
}

func (s *stubTier) Name() string { return s.name }

func (s *stubTier) Execute(_ context.Context, op router.Operation) (json.RawMessage, error) {
	s.ops = append(s.ops, op)
	return s.out, nil
}

func newCRMWithStub(out string) (*CRM, *stubTier, *stubTier) {
	tier1 := &stubTier{name: "tier1", out: json.RawMessage(out)}
	tier2 := &stubTier{name: "tier2", out: json.RawMessage(out)}
	r := router.New([]router.Tier{tier1, tier2}, nil, nil, router.DefaultConfig())
	return NewCRM(r), tier1, tier2
}

func TestCRMFetchRecord(t *testing.T) {
	crm, tier1, _ := newCRMWithStub(`{"id":"acct-1"}`)

	out, err := crm.FetchRecord(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"acct-1"}`, string(out))
	require.Len(t, tier1.ops, 1)
	assert.Equal(t, OpFetchRecord, tier1.ops[0].Name)
	assert.Equal(t, "acct-1", tier1.ops[0].TargetID)
	assert.False(t, tier1.ops[0].Write)
}

func TestCRMListChangedSince(t *testing.T) {
	crm, tier1, _ := newCRMWithStub(`{"records":[{"id":"acct-1"}]}`)

	cutoff := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	out, err := crm.ListChangedSince(context.Background(), "sales-ops", cutoff)
	require.NoError(t, err)
	assert.JSONEq(t, `{"records":[{"id":"acct-1"}]}`, string(out))

	require.Len(t, tier1.ops, 1)
	op := tier1.ops[0]
	assert.Equal(t, OpListChangedSince, op.Name)
	assert.False(t, op.Write)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(op.Payload, &payload))
	assert.Equal(t, "sales-ops", payload["owner"])
	assert.Equal(t, "2026-08-30T12:00:00Z", payload["since"])
}

func TestCRMWriteFieldIsWrite(t *testing.T) {
	crm, tier1, _ := newCRMWithStub(`{"ok":true}`)

	_, err := crm.WriteField(context.Background(), "acct-1", "status", "contacted")
	require.NoError(t, err)
	require.Len(t, tier1.ops, 1)
	op := tier1.ops[0]
	assert.Equal(t, OpWriteField, op.Name)
	assert.True(t, op.Write)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(op.Payload, &payload))
	assert.Equal(t, "status", payload["field"])
	assert.Equal(t, "contacted", payload["value"])
}

func TestCRMBulkReadRoutesByBatchSize(t *testing.T) {
	crm, tier1, tier2 := newCRMWithStub(`{"records":[]}`)

	small := []string{"a", "b", "c"}
	_, err := crm.BulkRead(context.Background(), small)
	require.NoError(t, err)
	require.Len(t, tier1.ops, 1)
	assert.Equal(t, 3, tier1.ops[0].BatchSize)

	large := make([]string, 60)
	for i := range large {
		large[i] = "id"
	}
	_, err = crm.BulkRead(context.Background(), large)
	require.NoError(t, err)
	require.Len(t, tier2.ops, 1, "large batches bypass the interactive tier")
	assert.Equal(t, 60, tier2.ops[0].BatchSize)
}
