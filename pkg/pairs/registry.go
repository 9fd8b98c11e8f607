// Package pairs validates configured trading symbols against the exchange
// asset-pair catalog.
package pairs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/irgendwasmitfelix/TradingBot/pkg/exchange"
)

var (
	// ErrUnknownPair is returned for identifiers absent from the catalog.
	ErrUnknownPair = errors.New("pairs: unknown pair")
	// ErrNotTradable is returned for catalog pairs that do not accept orders.
	ErrNotTradable = errors.New("pairs: pair not tradable")
)

// legacyAliases maps common tickers to Kraken's legacy asset codes.
var legacyAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// Spec is a resolved trading symbol.
type Spec struct {
	Raw         string
	Normalized  string // catalog altname, e.g. XBTEUR
	Key         string // catalog key, e.g. XXBTZEUR
	Base        string // base asset code, e.g. XXBT
	Quote       string
	OrderMin    decimal.Decimal
	MaxLeverage int
	Tradable    bool
}

// Catalog fetches the asset-pair listing.
type Catalog interface {
	GetAssetPairs(ctx context.Context) (map[string]exchange.AssetPair, error)
}

// Registry resolves raw identifiers. The catalog is fetched on first use and
// cached for the registry's lifetime; resolutions are cached per raw input.
type Registry struct {
	source Catalog
	notify func(raw, normalized string)

	mu       sync.Mutex
	catalog  map[string]exchange.AssetPair
	byAlt    map[string]string
	byWS     map[string]string
	resolved map[string]Spec
	logged   map[string]struct{}
}

// Option customises a Registry.
type Option func(*Registry)

// WithNotify replaces the default normalization log hook.
func WithNotify(fn func(raw, normalized string)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.notify = fn
		}
	}
}

// NewRegistry constructs a registry backed by source.
func NewRegistry(source Catalog, opts ...Option) *Registry {
	r := &Registry{
		source:   source,
		resolved: make(map[string]Spec),
		logged:   make(map[string]struct{}),
		notify: func(raw, normalized string) {
			logx.Infof("pairs: normalized %s -> %s", raw, normalized)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Normalize resolves raw to its catalog entry. Unknown identifiers fail with
// ErrUnknownPair; known but halted pairs return the spec with ErrNotTradable.
func (r *Registry) Normalize(ctx context.Context, raw string) (Spec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if spec, ok := r.resolved[raw]; ok {
		return spec, tradableErr(spec)
	}
	if err := r.loadLocked(ctx); err != nil {
		return Spec{}, err
	}

	key, ok := r.lookupLocked(raw)
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownPair, raw)
	}
	pair := r.catalog[key]
	spec := Spec{
		Raw:         raw,
		Normalized:  pair.Altname,
		Key:         pair.Key,
		Base:        pair.Base,
		Quote:       pair.Quote,
		OrderMin:    pair.OrderMin,
		MaxLeverage: maxInt(pair.LeverageSell),
		Tradable:    pair.Tradable(),
	}
	if spec.Normalized == "" {
		spec.Normalized = pair.Key
	}
	r.resolved[raw] = spec

	if raw != spec.Normalized {
		mapping := raw + "\x00" + spec.Normalized
		if _, seen := r.logged[mapping]; !seen {
			r.logged[mapping] = struct{}{}
			r.notify(raw, spec.Normalized)
		}
	}
	return spec, tradableErr(spec)
}

// ResolveAll normalizes every raw symbol, returning the tradable specs in
// input order and the errors for the ones that must be excluded.
func (r *Registry) ResolveAll(ctx context.Context, raws []string) ([]Spec, map[string]error, error) {
	specs := make([]Spec, 0, len(raws))
	skipped := make(map[string]error)
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		spec, err := r.Normalize(ctx, raw)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownPair), errors.Is(err, ErrNotTradable):
			skipped[raw] = err
			continue
		default:
			return nil, nil, err
		}
		if _, dup := seen[spec.Key]; dup {
			continue
		}
		seen[spec.Key] = struct{}{}
		specs = append(specs, spec)
	}
	return specs, skipped, nil
}

// SymbolFor maps a catalog key as reported in trade history to its
// normalized symbol. It only answers from the loaded catalog.
func (r *Registry) SymbolFor(pairKey string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.catalog == nil {
		return "", false
	}
	key, ok := r.lookupLocked(pairKey)
	if !ok {
		return "", false
	}
	pair := r.catalog[key]
	if pair.Altname == "" {
		return pair.Key, true
	}
	return pair.Altname, true
}

func (r *Registry) loadLocked(ctx context.Context) error {
	if r.catalog != nil {
		return nil
	}
	catalog, err := r.source.GetAssetPairs(ctx)
	if err != nil {
		return fmt.Errorf("pairs: load catalog: %w", err)
	}
	r.catalog = make(map[string]exchange.AssetPair, len(catalog))
	r.byAlt = make(map[string]string, len(catalog))
	r.byWS = make(map[string]string, len(catalog))
	for key, pair := range catalog {
		pair.Key = key
		r.catalog[key] = pair
		if pair.Altname != "" {
			r.byAlt[strings.ToUpper(pair.Altname)] = key
		}
		if pair.WSName != "" {
			r.byWS[strings.ToUpper(strings.ReplaceAll(pair.WSName, "/", ""))] = key
		}
	}
	logx.Infof("pairs: catalog loaded with %d pairs", len(r.catalog))
	return nil
}

// lookupLocked tries the catalog key, altname, websocket name and legacy
// asset aliases in that order.
func (r *Registry) lookupLocked(raw string) (string, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(raw))
	cleaned = strings.NewReplacer("/", "", "-", "", "_", "").Replace(cleaned)
	if cleaned == "" {
		return "", false
	}
	for _, candidate := range candidates(cleaned) {
		if _, ok := r.catalog[candidate]; ok {
			return candidate, true
		}
		if key, ok := r.byAlt[candidate]; ok {
			return key, true
		}
		if key, ok := r.byWS[candidate]; ok {
			return key, true
		}
	}
	return "", false
}

// candidates expands an identifier with legacy aliases and the X/Z prefixed
// form Kraken uses for older assets (XBTEUR -> XXBTZEUR).
func candidates(id string) []string {
	out := []string{id}
	for modern, legacy := range legacyAliases {
		if strings.HasPrefix(id, modern) {
			out = append(out, legacy+strings.TrimPrefix(id, modern))
		}
	}
	for _, c := range append([]string(nil), out...) {
		if len(c) == 6 {
			out = append(out, "X"+c[:3]+"Z"+c[3:])
		}
	}
	return out
}

func tradableErr(spec Spec) error {
	if spec.Tradable {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotTradable, spec.Raw)
}

func maxInt(vals []int) int {
	out := 0
	for _, v := range vals {
		if v > out {
			out = v
		}
	}
	return out
}
