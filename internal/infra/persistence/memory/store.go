// Package memory provides an in-memory implementation of the tenant-scoped
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"propledger/pkg/domain"
	"propledger/pkg/money"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// Result aliases domain.Result describing committed changes.
	Result = domain.Result
)

// partition holds one tenant's records. Partitions are never shared between
// tenants, so a transaction bound to one tenant cannot observe another's data.
type partition struct {
	properties   map[string]domain.Property
	reservations map[string]domain.Reservation
}

func newPartition() *partition {
	return &partition{
		properties:   make(map[string]domain.Property),
		reservations: make(map[string]domain.Reservation),
	}
}

func (p *partition) clone() *partition {
	out := &partition{
		properties:   make(map[string]domain.Property, len(p.properties)),
		reservations: make(map[string]domain.Reservation, len(p.reservations)),
	}
	for k, v := range p.properties {
		out.properties[k] = v
	}
	for k, v := range p.reservations {
		out.reservations[k] = v
	}
	return out
}

// Snapshot captures a point-in-time copy of the whole store.
type Snapshot struct {
	Tenants      []domain.Tenant      `json:"tenants"`
	Users        []domain.User        `json:"users"`
	Properties   []domain.Property    `json:"properties"`
	Reservations []domain.Reservation `json:"reservations"`
}

// Store is an in-memory, tenant-partitioned implementation of domain.PersistentStore.
type Store struct {
	mu         sync.RWMutex
	tenants    map[string]domain.Tenant
	users      map[string]domain.User
	emails     map[string]string
	partitions map[string]*partition
	nowFn      func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		tenants:    make(map[string]domain.Tenant),
		users:      make(map[string]domain.User),
		emails:     make(map[string]string),
		partitions: make(map[string]*partition),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for CreatedAt defaults.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RunInTransaction applies fn to a private copy of the tenant's partition and
// commits it only when fn succeeds.
func (s *Store) RunInTransaction(ctx context.Context, tenantID string, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if tenantID == "" {
		return Result{}, domain.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[tenantID]; !ok {
		return Result{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
	}
	current, ok := s.partitions[tenantID]
	if !ok {
		current = newPartition()
	}
	tx := &transaction{view: view{tenantID: tenantID, part: current.clone()}, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	s.partitions[tenantID] = tx.part
	return Result{TenantID: tenantID, Changes: tx.changes}, nil
}

// View executes fn against a read-only snapshot of the tenant's partition.
func (s *Store) View(ctx context.Context, tenantID string, fn func(TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenantID == "" {
		return domain.ErrTenantRequired
	}
	s.mu.RLock()
	if _, ok := s.tenants[tenantID]; !ok {
		s.mu.RUnlock()
		return domain.ErrNotFound{Entity: domain.EntityTenant, ID: tenantID}
	}
	part, ok := s.partitions[tenantID]
	if !ok {
		part = newPartition()
	} else {
		part = part.clone()
	}
	s.mu.RUnlock()
	return fn(&view{tenantID: tenantID, part: part})
}

// CreateTenant registers a new tenant.
func (s *Store) CreateTenant(ctx context.Context, tenant domain.Tenant) (domain.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Tenant{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := domain.PrepareTenant(tenant, s.nowFn())
	if err != nil {
		return domain.Tenant{}, err
	}
	if _, exists := s.tenants[t.ID]; exists {
		return domain.Tenant{}, domain.ErrConflict
	}
	s.tenants[t.ID] = t
	s.partitions[t.ID] = newPartition()
	return t, nil
}

// GetTenant returns a tenant by ID.
func (s *Store) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: id}
	}
	return t, nil
}

// ListTenants returns all tenants ordered by ID.
func (s *Store) ListTenants(_ context.Context) ([]domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateUser stores a user. Emails are unique across tenants.
func (s *Store) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	if err := ctx.Err(); err != nil {
		return domain.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := domain.PrepareUser(user, s.nowFn())
	if err != nil {
		return domain.User{}, err
	}
	if _, ok := s.tenants[u.TenantID]; !ok {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityTenant, ID: u.TenantID}
	}
	if _, exists := s.emails[u.Email]; exists {
		return domain.User{}, domain.ErrConflict
	}
	if _, exists := s.users[u.ID]; exists {
		return domain.User{}, domain.ErrConflict
	}
	s.users[u.ID] = u
	s.emails[u.Email] = u.ID
	return u, nil
}

// FindUserByEmail looks a user up by normalised email.
func (s *Store) FindUserByEmail(_ context.Context, email string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := domain.NormalizeEmail(email)
	id, ok := s.emails[key]
	if !ok {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: key}
	}
	return s.users[id], nil
}

// FindUser returns a user only if it belongs to tenantID.
func (s *Store) FindUser(_ context.Context, tenantID, id string) (domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return domain.User{}, domain.ErrNotFound{Entity: domain.EntityUser, ID: id}
	}
	return u, nil
}

// Close is a no-op for the memory store.
func (s *Store) Close() error { return nil }

// ExportState returns a deep copy of the store contents.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var snap Snapshot
	for _, t := range s.tenants {
		snap.Tenants = append(snap.Tenants, t)
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for _, part := range s.partitions {
		for _, p := range part.properties {
			snap.Properties = append(snap.Properties, p)
		}
		for _, r := range part.reservations {
			snap.Reservations = append(snap.Reservations, r)
		}
	}
	sort.Slice(snap.Tenants, func(i, j int) bool { return snap.Tenants[i].ID < snap.Tenants[j].ID })
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].ID < snap.Users[j].ID })
	sort.Slice(snap.Properties, func(i, j int) bool {
		if snap.Properties[i].TenantID != snap.Properties[j].TenantID {
			return snap.Properties[i].TenantID < snap.Properties[j].TenantID
		}
		return snap.Properties[i].ID < snap.Properties[j].ID
	})
	sort.Slice(snap.Reservations, func(i, j int) bool {
		if snap.Reservations[i].TenantID != snap.Reservations[j].TenantID {
			return snap.Reservations[i].TenantID < snap.Reservations[j].TenantID
		}
		return snap.Reservations[i].ID < snap.Reservations[j].ID
	})
	return snap
}

// ImportState replaces the store contents. Records are routed to partitions by
// their own TenantID; records for unknown tenants are dropped.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[string]domain.Tenant, len(snap.Tenants))
	s.users = make(map[string]domain.User, len(snap.Users))
	s.emails = make(map[string]string, len(snap.Users))
	s.partitions = make(map[string]*partition, len(snap.Tenants))
	for _, t := range snap.Tenants {
		s.tenants[t.ID] = t
		s.partitions[t.ID] = newPartition()
	}
	for _, u := range snap.Users {
		if _, ok := s.tenants[u.TenantID]; !ok {
			continue
		}
		s.users[u.ID] = u
		s.emails[domain.NormalizeEmail(u.Email)] = u.ID
	}
	for _, p := range snap.Properties {
		if part, ok := s.partitions[p.TenantID]; ok {
			part.properties[p.ID] = p
		}
	}
	for _, r := range snap.Reservations {
		part, ok := s.partitions[r.TenantID]
		if !ok {
			continue
		}
		if _, ok := part.properties[r.PropertyID]; !ok {
			continue
		}
		part.reservations[r.ID] = r
	}
}

type view struct {
	tenantID string
	part     *partition
}

func (v *view) TenantID() string { return v.tenantID }

func (v *view) ListProperties() ([]domain.Property, error) {
	out := make([]domain.Property, 0, len(v.part.properties))
	for _, p := range v.part.properties {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *view) FindProperty(id string) (domain.Property, bool, error) {
	p, ok := v.part.properties[id]
	return p, ok, nil
}

func (v *view) ListReservations(filter domain.ReservationFilter) ([]domain.Reservation, error) {
	out := make([]domain.Reservation, 0)
	for _, r := range v.part.reservations {
		if filter.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CheckIn.Equal(out[j].CheckIn) {
			return out[i].CheckIn.Before(out[j].CheckIn)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) FindReservation(id string) (domain.Reservation, bool, error) {
	r, ok := v.part.reservations[id]
	return r, ok, nil
}

func (v *view) SumRevenue(propertyID string, window *domain.DateRange) (domain.RevenueAggregate, error) {
	prop, ok := v.part.properties[propertyID]
	if !ok {
		return domain.RevenueAggregate{}, domain.ErrNotFound{Entity: domain.EntityProperty, ID: propertyID}
	}
	rows, err := v.ListReservations(domain.ReservationFilter{
		PropertyID: propertyID,
		Status:     domain.ReservationConfirmed,
		CheckIn:    window,
	})
	if err != nil {
		return domain.RevenueAggregate{}, err
	}
	amounts := make([]money.Amount, 0, len(rows))
	for _, r := range rows {
		amounts = append(amounts, r.Total)
	}
	total, err := money.Sum(prop.Currency, amounts...)
	if err != nil {
		return domain.RevenueAggregate{}, err
	}
	return domain.RevenueAggregate{PropertyID: propertyID, Total: total, Count: len(rows)}, nil
}

type transaction struct {
	view
	now     time.Time
	changes []domain.Change
}

func (tx *transaction) CreateProperty(p domain.Property) (domain.Property, error) {
	prepared, err := domain.PrepareProperty(tx.tenantID, p, tx.now)
	if err != nil {
		return domain.Property{}, err
	}
	if _, exists := tx.part.properties[prepared.ID]; exists {
		return domain.Property{}, domain.ErrConflict
	}
	tx.part.properties[prepared.ID] = prepared
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityProperty, Action: domain.ActionCreate, ID: prepared.ID, PropertyID: prepared.ID})
	return prepared, nil
}

func (tx *transaction) CreateReservation(r domain.Reservation) (domain.Reservation, error) {
	prop, ok := tx.part.properties[r.PropertyID]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound{Entity: domain.EntityProperty, ID: r.PropertyID}
	}
	prepared, err := domain.PrepareReservation(prop, r, tx.now)
	if err != nil {
		return domain.Reservation{}, err
	}
	if _, exists := tx.part.reservations[prepared.ID]; exists {
		return domain.Reservation{}, domain.ErrConflict
	}
	tx.part.reservations[prepared.ID] = prepared
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityReservation, Action: domain.ActionCreate, ID: prepared.ID, PropertyID: prepared.PropertyID})
	return prepared, nil
}

func (tx *transaction) CancelReservation(id string) (domain.Reservation, error) {
	r, ok := tx.part.reservations[id]
	if !ok {
		return domain.Reservation{}, domain.ErrNotFound{Entity: domain.EntityReservation, ID: id}
	}
	if r.Status == domain.ReservationCancelled {
		return r, nil
	}
	r.Status = domain.ReservationCancelled
	tx.part.reservations[id] = r
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityReservation, Action: domain.ActionUpdate, ID: id, PropertyID: r.PropertyID})
	return r, nil
}
