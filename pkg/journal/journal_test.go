package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	at := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	w := NewWriter(dir).WithClock(func() time.Time { return at })

	path, err := w.WriteCycle(&CycleRecord{
		Regime:    "risk_on",
		Scores:    []Score{{Symbol: "XBTEUR", Action: "BUY", Score: 31.5}},
		Decisions: []Decision{{Symbol: "XBTEUR", Side: "buy", Kind: "open", Reason: "GlobalCooldown"}},
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cycle_20250601_123000_00001.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var rec CycleRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 1, rec.CycleNumber)
	assert.True(t, at.Equal(rec.Timestamp))
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, "GlobalCooldown", rec.Decisions[0].Reason)

	second, err := w.WriteCycle(&CycleRecord{})
	require.NoError(t, err)
	assert.Contains(t, second, "_00002.json")
}

func TestWriteCycle_NilRecord(t *testing.T) {
	_, err := NewWriter(t.TempDir()).WriteCycle(nil)
	assert.Error(t, err)
}
