package core

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"propledger/pkg/money"
)

// FallbackCurrency is reported when fallback data has no entry for a property.
const FallbackCurrency = money.USD

//go:embed fallback.json
var embeddedFallback []byte

// FallbackEntry is the last known revenue for one property.
type FallbackEntry struct {
	Total money.Amount
	Count int
	// Monthly maps "YYYY-MM" to the confirmed revenue for that calendar month.
	Monthly map[string]money.Amount
	// MonthlyDefault, when set, answers months that Monthly does not list.
	MonthlyDefault *money.Amount
}

// Month returns the fallback figure for one calendar month.
func (e FallbackEntry) Month(year, month int) money.Amount {
	if amt, ok := e.Monthly[monthKey(year, month)]; ok {
		return amt
	}
	if e.MonthlyDefault != nil {
		return *e.MonthlyDefault
	}
	return money.Zero(e.Total.Currency)
}

// FallbackData holds degraded-mode revenue nested by tenant, then property.
// Lookups never cross the tenant level.
type FallbackData struct {
	tenants map[string]map[string]FallbackEntry
}

type fallbackFile struct {
	Tenants map[string]map[string]fallbackFileEntry `json:"tenants"`
}

type fallbackFileEntry struct {
	Total    string            `json:"total"`
	Currency string            `json:"currency"`
	Count    int               `json:"count"`
	Monthly  map[string]string `json:"monthly,omitempty"`
	// MonthlyDefault is the figure for months absent from Monthly.
	MonthlyDefault string `json:"monthly_default,omitempty"`
}

// ParseFallback decodes fallback JSON. Amounts must be decimal strings.
func ParseFallback(r io.Reader) (*FallbackData, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f fallbackFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fallback data: %w", err)
	}
	out := &FallbackData{tenants: make(map[string]map[string]FallbackEntry, len(f.Tenants))}
	for tenantID, props := range f.Tenants {
		if tenantID == "" {
			return nil, fmt.Errorf("fallback data: empty tenant id")
		}
		entries := make(map[string]FallbackEntry, len(props))
		for propertyID, raw := range props {
			cur, err := money.ParseCurrency(raw.Currency)
			if err != nil {
				return nil, fmt.Errorf("fallback %s/%s: %w", tenantID, propertyID, err)
			}
			total, err := money.Parse(raw.Total, cur)
			if err != nil {
				return nil, fmt.Errorf("fallback %s/%s total: %w", tenantID, propertyID, err)
			}
			entry := FallbackEntry{Total: total, Count: raw.Count}
			if len(raw.Monthly) > 0 {
				entry.Monthly = make(map[string]money.Amount, len(raw.Monthly))
				for period, v := range raw.Monthly {
					amt, err := money.Parse(v, cur)
					if err != nil {
						return nil, fmt.Errorf("fallback %s/%s %s: %w", tenantID, propertyID, period, err)
					}
					entry.Monthly[period] = amt
				}
			}
			if raw.MonthlyDefault != "" {
				amt, err := money.Parse(raw.MonthlyDefault, cur)
				if err != nil {
					return nil, fmt.Errorf("fallback %s/%s monthly default: %w", tenantID, propertyID, err)
				}
				entry.MonthlyDefault = &amt
			}
			entries[propertyID] = entry
		}
		out.tenants[tenantID] = entries
	}
	return out, nil
}

// DefaultFallback returns the fallback data compiled into the binary.
func DefaultFallback() *FallbackData {
	fd, err := ParseFallback(bytes.NewReader(embeddedFallback))
	if err != nil {
		panic(fmt.Sprintf("embedded fallback data: %v", err))
	}
	return fd
}

// LoadFallbackFile reads fallback data from path.
func LoadFallbackFile(path string) (*FallbackData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fallback data: %w", err)
	}
	defer f.Close()
	return ParseFallback(f)
}

// Lookup returns the entry for a tenant's property.
func (f *FallbackData) Lookup(tenantID, propertyID string) (FallbackEntry, bool) {
	if f == nil {
		return FallbackEntry{}, false
	}
	e, ok := f.tenants[tenantID][propertyID]
	return e, ok
}

// Properties lists the property IDs known for a tenant, sorted.
func (f *FallbackData) Properties(tenantID string) []string {
	if f == nil {
		return nil
	}
	props := f.tenants[tenantID]
	ids := make([]string, 0, len(props))
	for id := range props {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func monthKey(year, month int) string { return fmt.Sprintf("%04d-%02d", year, month) }
