// Package journal persists one JSON record per trading loop iteration.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Score is one symbol's signal for the iteration.
type Score struct {
	Symbol        string  `json:"symbol"`
	Action        string  `json:"action"`
	Score         float64 `json:"score"`
	RSI           float64 `json:"rsi"`
	VolatilityPct float64 `json:"volatility_pct"`
	Price         float64 `json:"price"`
}

// Decision is a gate verdict.
type Decision struct {
	Symbol string `json:"symbol"`
	Side   string `json:"side"`
	Kind   string `json:"kind"`
	Admit  bool   `json:"admit"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Order is a placement attempt following an admit.
type Order struct {
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Volume        string   `json:"volume"`
	Leverage      int      `json:"leverage,omitempty"`
	ClientOrderID string   `json:"cl_ord_id"`
	TxIDs         []string `json:"txids,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// CycleRecord captures one loop iteration for audit.
type CycleRecord struct {
	Timestamp    time.Time      `json:"timestamp"`
	CycleNumber  int            `json:"cycle_number"`
	Regime       string         `json:"regime,omitempty"`
	QuoteBalance string         `json:"quote_balance,omitempty"`
	TradeCount   int            `json:"trade_count"`
	OpenCount    int            `json:"open_positions"`
	AdjustedPnL  string         `json:"adjusted_pnl,omitempty"`
	Scores       []Score        `json:"scores,omitempty"`
	Decisions    []Decision     `json:"decisions,omitempty"`
	Orders       []Order        `json:"orders,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Writer persists cycle records to a directory as JSON files.
type Writer struct {
	dir   string
	seq   int
	nowFn func() time.Time
}

// NewWriter constructs a journal writer.
func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = "journal"
	}
	_ = os.MkdirAll(dir, 0o755)
	return &Writer{dir: dir, nowFn: time.Now}
}

// WithClock overrides the timestamp source for records without one.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	if now != nil {
		w.nowFn = now
	}
	return w
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.dir
}

// WriteCycle writes a cycle record to a timestamped JSON file.
func (w *Writer) WriteCycle(rec *CycleRecord) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("journal: nil record")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.nowFn()
	}
	w.seq++
	rec.CycleNumber = w.seq
	name := fmt.Sprintf("cycle_%s_%05d.json", rec.Timestamp.UTC().Format("20060102_150405"), w.seq)
	path := filepath.Join(w.dir, name)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("journal: write %s: %w", path, err)
	}
	return path, nil
}
