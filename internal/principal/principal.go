// Package principal models the caller identity handed over by the auth layer.
// The core never issues or validates credentials; it only switches on the
// concrete variant to decide ownership.
package principal

import "context"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Principal is a closed set: Customer, Vendor, Admin, System.
type Principal interface {
	ID() string
	Role() Role
	sealed()
}

type Customer struct {
	UserID string
	Email  string
}

type Vendor struct {
	UserID   string
	VendorID string
}

type Admin struct {
	UserID string
}

// System is the actor used by internal drivers such as the payment reconciler.
// It is never produced from request headers.
type System struct {
	Name string
}

func (c Customer) ID() string { return c.UserID }
func (c Customer) Role() Role { return RoleCustomer }
func (Customer) sealed() {}
func (v Vendor) ID() string { return v.UserID }
func (v Vendor) Role() Role { return RoleVendor }
func (Vendor) sealed() {}
func (a Admin) ID() string { return a.UserID }
func (a Admin) Role() Role { return RoleAdmin }
func (Admin) sealed() {}
func (s System) ID() string { return "system:" + s.Name }
func (s System) Role() Role { return RoleSystem }
func (System) sealed() {}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal attached to ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p != nil
}
