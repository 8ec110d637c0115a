package core

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"propledger/internal/tenant"
	"propledger/pkg/api"
	"propledger/pkg/domain"
	"propledger/pkg/money"
)

type (
	Source           = api.Source
	Period           = api.Period
	RevenueSummary   = api.RevenueSummary
	PropertyRevenue  = api.PropertyRevenue
	DashboardSummary = api.DashboardSummary
)

const (
	SourceDatabase = api.SourceDatabase
	SourceFallback = api.SourceFallback
)

// CalculateTotalRevenue returns all-time confirmed revenue for one of the caller's properties.
func (s *Service) CalculateTotalRevenue(ctx context.Context, propertyID string) (RevenueSummary, error) {
	var out RevenueSummary
	err := s.run(ctx, "calculate_total_revenue", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return propertyID, err
		}
		out, err = s.revenue(ctx, "calculate_total_revenue", tenantID, propertyID, nil)
		return propertyID, err
	})
	return out, err
}

// CalculateMonthlyRevenue returns confirmed revenue for reservations checking
// in during [first of month, first of next month) in the property's timezone.
func (s *Service) CalculateMonthlyRevenue(ctx context.Context, propertyID string, month, year int) (RevenueSummary, error) {
	var out RevenueSummary
	err := s.run(ctx, "calculate_monthly_revenue", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return propertyID, err
		}
		period := Period{Year: year, Month: month}
		if err := period.Validate(); err != nil {
			return propertyID, err
		}
		out, err = s.revenue(ctx, "calculate_monthly_revenue", tenantID, propertyID, &period)
		return propertyID, err
	})
	return out, err
}

// DashboardSummary returns per-property totals and per-currency grand totals
// for the caller's tenant.
func (s *Service) DashboardSummary(ctx context.Context) (DashboardSummary, error) {
	var out DashboardSummary
	err := s.run(ctx, "dashboard_summary", func(ctx context.Context) (string, error) {
		tenantID, err := tenant.Require(ctx)
		if err != nil {
			return "", err
		}
		out, err = s.dashboard(ctx, tenantID)
		return "", err
	})
	return out, err
}

func (s *Service) dashboard(ctx context.Context, tenantID string) (DashboardSummary, error) {
	summary := DashboardSummary{TenantID: tenantID, Source: SourceDatabase, GeneratedAt: s.clock.Now().UTC()}
	var props []domain.Property
	err := s.store.View(ctx, tenantID, func(v TransactionView) error {
		var err error
		props, err = v.ListProperties()
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return DashboardSummary{}, ctx.Err()
		}
		if !degraded(err) || s.fallback == nil {
			return DashboardSummary{}, err
		}
		s.logger.Warn("serving dashboard from fallback data", zap.String("tenant_id", tenantID), zap.Error(err))
		s.noteFallback("dashboard_summary")
		summary.Source = SourceFallback
		for _, id := range s.fallback.Properties(tenantID) {
			summary.Properties = append(summary.Properties, PropertyRevenue{RevenueSummary: s.fallbackSummary(tenantID, id, nil)})
		}
	} else {
		for _, p := range props {
			rs, err := s.revenue(ctx, "dashboard_summary", tenantID, p.ID, nil)
			if err != nil {
				return DashboardSummary{}, err
			}
			if rs.Source == SourceFallback {
				summary.Source = SourceFallback
			}
			summary.Properties = append(summary.Properties, PropertyRevenue{Name: p.Name, RevenueSummary: rs})
		}
	}
	totals, err := totalsByCurrency(summary.Properties)
	if err != nil {
		return DashboardSummary{}, err
	}
	summary.Totals = totals
	if summary.Properties == nil {
		summary.Properties = []PropertyRevenue{}
	}
	return summary, nil
}

func totalsByCurrency(rows []PropertyRevenue) ([]money.Amount, error) {
	byCurrency := make(map[string]money.Amount)
	for _, r := range rows {
		cur := string(r.Total.Currency)
		acc, ok := byCurrency[cur]
		if !ok {
			acc = money.Zero(r.Total.Currency)
		}
		next, err := acc.Add(r.Total)
		if err != nil {
			return nil, fmt.Errorf("dashboard totals: %w", err)
		}
		byCurrency[cur] = next
	}
	out := make([]money.Amount, 0, len(byCurrency))
	for _, cur := range sortedKeys(byCurrency) {
		out = append(out, byCurrency[cur])
	}
	return out, nil
}

func periodBounds(p *Period) (from, to int64) {
	if p == nil {
		return 0, 0
	}
	start := time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
	return start.Unix(), start.AddDate(0, 1, 0).Unix()
}

// revenue resolves one property's revenue through the cache, then the store,
// then fallback data. Concurrent misses for the same key share one query.
func (s *Service) revenue(ctx context.Context, op, tenantID, propertyID string, period *Period) (RevenueSummary, error) {
	from, to := periodBounds(period)
	key := cacheKey{TenantID: tenantID, PropertyID: propertyID, From: from, To: to}
	if cached, ok := s.cache.get(key); ok {
		s.noteCache(true)
		cached.Cached = true
		return cached, nil
	}
	if s.cache != nil {
		s.noteCache(false)
	}
	gen := s.cache.generation(key)
	// The shared query outlives any one caller; each caller still stops
	// waiting when its own context ends.
	ch := s.flight.DoChan(key.String(), func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
		defer cancel()
		return s.query(qctx, tenantID, propertyID, period)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return RevenueSummary{}, ctx.Err()
	}
	v, err := res.Val, res.Err
	if err != nil {
		if !degraded(err) || s.fallback == nil {
			return RevenueSummary{}, err
		}
		s.logger.Warn("serving revenue from fallback data",
			zap.String("operation", op),
			zap.String("tenant_id", tenantID),
			zap.String("property_id", propertyID),
			zap.Error(err))
		s.noteFallback(op)
		return s.fallbackSummary(tenantID, propertyID, period), nil
	}
	summary := v.(RevenueSummary)
	s.cache.put(key, gen, summary)
	return summary, nil
}

func (s *Service) query(ctx context.Context, tenantID, propertyID string, period *Period) (RevenueSummary, error) {
	var summary RevenueSummary
	err := s.store.View(ctx, tenantID, func(v TransactionView) error {
		prop, ok, err := v.FindProperty(propertyID)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityProperty, ID: propertyID}
		}
		var window *domain.DateRange
		if period != nil {
			loc, err := prop.Location()
			if err != nil {
				return fmt.Errorf("property %s timezone: %w", prop.ID, err)
			}
			w := domain.MonthRange(period.Year, time.Month(period.Month), loc)
			window = &w
		}
		agg, err := v.SumRevenue(propertyID, window)
		if err != nil {
			return err
		}
		summary = newSummary(tenantID, propertyID, agg.Total, agg.Count, SourceDatabase, period)
		summary.Window = window
		return nil
	})
	return summary, err
}

// fallbackSummary never consults another tenant's data; a miss is zero.
func (s *Service) fallbackSummary(tenantID, propertyID string, period *Period) RevenueSummary {
	entry, ok := s.fallback.Lookup(tenantID, propertyID)
	if !ok {
		return newSummary(tenantID, propertyID, money.Zero(FallbackCurrency), 0, SourceFallback, period)
	}
	if period == nil {
		return newSummary(tenantID, propertyID, entry.Total, entry.Count, SourceFallback, nil)
	}
	// Monthly fallback figures carry no reservation count.
	return newSummary(tenantID, propertyID, entry.Month(period.Year, period.Month), 0, SourceFallback, period)
}

func newSummary(tenantID, propertyID string, total money.Amount, count int, src Source, period *Period) RevenueSummary {
	rs := RevenueSummary{
		PropertyID:   propertyID,
		TenantID:     tenantID,
		Total:        total,
		TotalRounded: total.Rounded(),
		Currency:     total.Currency,
		Count:        count,
		Source:       src,
	}
	if period != nil {
		p := *period
		rs.Period = &p
	}
	return rs
}

func (s *Service) noteCache(hit bool) {
	if m, ok := s.metrics.(RevenueMetrics); ok {
		m.CacheResult(hit)
	}
}

func (s *Service) noteFallback(op string) {
	if m, ok := s.metrics.(RevenueMetrics); ok {
		m.FallbackServed(op)
	}
}
