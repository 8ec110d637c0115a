package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/pkg/money"
)

func TestDefaultFallbackIsNestedByTenant(t *testing.T) {
	fd := DefaultFallback()
	a, ok := fd.Lookup("tenant-a", "prop-001")
	require.True(t, ok)
	b, ok := fd.Lookup("tenant-b", "prop-001")
	require.True(t, ok)
	assert.Equal(t, "2250.000", a.Total.String())
	assert.Equal(t, "0.000", b.Total.String())
	assert.Equal(t, money.USD, a.Total.Currency)

	_, ok = fd.Lookup("tenant-b", "prop-002")
	assert.False(t, ok)
	assert.Equal(t, []string{"prop-001", "prop-002", "prop-003"}, fd.Properties("tenant-a"))
	assert.Empty(t, fd.Properties("tenant-z"))
}

func TestParseFallbackRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"number amount":    `{"tenants":{"t":{"p":{"total":12.5,"currency":"USD","count":1}}}}`,
		"unknown currency": `{"tenants":{"t":{"p":{"total":"12.5","currency":"XXX","count":1}}}}`,
		"unknown field":    `{"tenants":{"t":{"p":{"total":"1","currency":"USD","count":1,"extra":true}}}}`,
		"excess scale":     `{"tenants":{"t":{"p":{"total":"1.0001","currency":"USD","count":1}}}}`,
		"bad monthly":      `{"tenants":{"t":{"p":{"total":"1","currency":"USD","count":1,"monthly":{"2024-03":"abc"}}}}}`,
		"bad default":      `{"tenants":{"t":{"p":{"total":"1","currency":"USD","count":1,"monthly_default":"1e3"}}}}`,
		"empty tenant":     `{"tenants":{"":{"p":{"total":"1","currency":"USD","count":1}}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseFallback(strings.NewReader(body))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallbackFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fallback.json")
	body := `{"tenants":{"tenant-q":{"prop-9":{"total":"10.125","currency":"EUR","count":2,"monthly":{"2024-01":"10.125"}}}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	fd, err := LoadFallbackFile(path)
	require.NoError(t, err)
	e, ok := fd.Lookup("tenant-q", "prop-9")
	require.True(t, ok)
	assert.Equal(t, money.MustParse("10.125", money.EUR), e.Total)
	assert.Equal(t, "10.125", e.Monthly[monthKey(2024, 1)].String())

	_, err = LoadFallbackFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "open fallback data")
}

func TestFallbackMonthFigures(t *testing.T) {
	fd := DefaultFallback()
	cases := []struct {
		tenantID, propertyID string
		year, month          int
		want                 string
	}{
		{"tenant-a", "prop-001", 2024, 3, "2250.000"},
		{"tenant-a", "prop-001", 2024, 4, "333.333"},
		{"tenant-a", "prop-002", 2023, 12, "1243.875"},
		{"tenant-a", "prop-003", 2024, 1, "3050.250"},
		{"tenant-b", "prop-001", 2024, 3, "0.000"},
		{"tenant-b", "prop-004", 2024, 3, "1776.500"},
		{"tenant-b", "prop-004", 2024, 5, "444.125"},
		{"tenant-b", "prop-005", 2024, 2, "1085.333"},
	}
	for _, tc := range cases {
		e, ok := fd.Lookup(tc.tenantID, tc.propertyID)
		require.True(t, ok, "%s/%s", tc.tenantID, tc.propertyID)
		assert.Equal(t, tc.want, e.Month(tc.year, tc.month).String(), "%s/%s %d-%02d", tc.tenantID, tc.propertyID, tc.year, tc.month)
	}

	noDefault := FallbackEntry{Total: money.MustParse("5", money.EUR)}
	assert.True(t, noDefault.Month(2024, 1).Equal(money.Zero(money.EUR)))
}

func TestNilFallbackData(t *testing.T) {
	var fd *FallbackData
	_, ok := fd.Lookup("tenant-a", "prop-001")
	assert.False(t, ok)
	assert.Nil(t, fd.Properties("tenant-a"))
}
