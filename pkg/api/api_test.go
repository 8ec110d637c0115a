package api

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propledger/pkg/domain"
	"propledger/pkg/money"
)

func TestLoginResponseWireNames(t *testing.T) {
	resp := LoginResponse{
		AccessToken: "tok",
		TokenType:   TokenTypeBearer,
		ExpiresIn:   60,
		ExpiresAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		User:        UserInfo{ID: "u1", Email: "a@b.example", TenantID: "tenant-a", Role: domain.RoleAdmin},
	}
	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"access_token":"tok","token_type":"bearer","expires_in":60,
		"expires_at":"2024-03-01T12:00:00Z",
		"user":{"id":"u1","email":"a@b.example","tenant_id":"tenant-a","role":"admin"}
	}`, string(b))
}

func TestLoginResponseExpired(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := LoginResponse{ExpiresAt: at}
	assert.False(t, r.Expired(at.Add(-time.Second)))
	assert.True(t, r.Expired(at))
	assert.True(t, LoginResponse{}.Expired(at))
}

func TestRevenueSummaryAmountsAreStrings(t *testing.T) {
	total := money.MustParse("333.335", money.USD)
	b, err := json.Marshal(RevenueSummary{PropertyID: "prop-001", TenantID: "tenant-a", Total: total, TotalRounded: total.Rounded(), Currency: money.USD, Source: SourceDatabase})
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, map[string]any{"amount": "333.335", "currency": "USD"}, raw["total"])
	assert.Equal(t, "333.34", raw["total_rounded"])
	assert.NotContains(t, raw, "period")
}

func TestPeriodValidate(t *testing.T) {
	assert.NoError(t, Period{Year: 2024, Month: 2}.Validate())
	assert.True(t, domain.IsInvalid(Period{Year: 2024, Month: 0}.Validate()))
	assert.True(t, domain.IsInvalid(Period{Year: 2024, Month: 13}.Validate()))
	assert.True(t, domain.IsInvalid(Period{Year: 10000, Month: 1}.Validate()))
}
