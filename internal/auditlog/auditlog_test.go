package auditlog

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ditto-gateway/gateway/internal/store"
)

func TestWriteAppendsToStore(t *testing.T) {
	mem := store.NewMemory()
	w := NewWriter(zap.NewNop(), mem)

	w.Write(context.Background(), "proxy", Record{
		RequestID:         "req-1",
		Backend:           "primary",
		Path:              "/v1/chat/completions",
		Status:            200,
		ChargeTokens:      128,
		SpentTokens:       90,
		AttemptedBackends: []string{"primary"},
	})

	rows := mem.AuditRows()
	require.Len(t, rows, 1)
	assert.Equal(t, "proxy", rows[0].Kind)

	var rec Record
	require.NoError(t, json.Unmarshal(rows[0].Payload, &rec))
	assert.Equal(t, "req-1", rec.RequestID)
	assert.Equal(t, uint64(90), rec.SpentTokens)
}

func TestWriteWithoutStore(t *testing.T) {
	w := NewWriter(zap.NewNop(), nil)
	// must not panic
	w.Write(context.Background(), "admission_denied", Record{RequestID: "req-1", Denied: "rate_limited"})
}
