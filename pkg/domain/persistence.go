package domain

import "context"

// TransactionView provides tenant-bound read access. Every implementation
// restricts results to TenantID(); there is no way to widen the scope from
// inside a view.
type TransactionView interface {
	TenantID() string
	ListProperties() ([]Property, error)
	FindProperty(id string) (Property, bool, error)
	ListReservations(filter ReservationFilter) ([]Reservation, error)
	FindReservation(id string) (Reservation, bool, error)
	// SumRevenue totals confirmed reservations for a property. A nil window
	// covers all time. The total is in the property's currency.
	SumRevenue(propertyID string, window *DateRange) (RevenueAggregate, error)
}

// Transaction exposes the tenant-bound mutations a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	CreateProperty(Property) (Property, error)
	CreateReservation(Reservation) (Reservation, error)
	CancelReservation(id string) (Reservation, error)
}

// PersistentStore is the abstraction over durable backends. Tenant data is
// reachable only through RunInTransaction and View, both of which require a
// tenant ID. The directory methods (tenants and users) back provisioning and login.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, tenantID string, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, tenantID string, fn func(TransactionView) error) error

	CreateTenant(ctx context.Context, tenant Tenant) (Tenant, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)

	CreateUser(ctx context.Context, user User) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	FindUser(ctx context.Context, tenantID, id string) (User, error)

	Close() error
}
