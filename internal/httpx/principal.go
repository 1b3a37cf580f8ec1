package httpx

import (
	"net/http"
	"strings"

	"github.com/ariefcatur/go-marketplace-checkout/internal/apperr"
	"github.com/ariefcatur/go-marketplace-checkout/internal/cart"
	"github.com/ariefcatur/go-marketplace-checkout/internal/principal"
)

// Headers set by the upstream auth layer. The service trusts them as-is.
const (
	HeaderRole      = "X-Principal-Role"
	HeaderID        = "X-Principal-Id"
	HeaderVendorID  = "X-Vendor-Id"
	HeaderEmail     = "X-Principal-Email"
	HeaderSessionID = "X-Session-Id"
)

// Principals attaches the caller identity to the request context. Requests
// without a role header are anonymous guests.
func Principals(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := principalFrom(r.Header)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := r.Context()
		if p != nil {
			ctx = principal.WithPrincipal(ctx, p)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(h http.Header) (principal.Principal, error) {
	role := principal.Role(strings.ToLower(strings.TrimSpace(h.Get(HeaderRole))))
	id := strings.TrimSpace(h.Get(HeaderID))
	if role == "" {
		return nil, nil
	}
	if id == "" {
		return nil, apperr.Validation("%s requires %s", HeaderRole, HeaderID)
	}
	switch role {
	case principal.RoleCustomer:
		return principal.Customer{UserID: id, Email: strings.TrimSpace(h.Get(HeaderEmail))}, nil
	case principal.RoleVendor:
		vendorID := strings.TrimSpace(h.Get(HeaderVendorID))
		if vendorID == "" {
			return nil, apperr.Validation("vendor principal requires %s", HeaderVendorID)
		}
		return principal.Vendor{UserID: id, VendorID: vendorID}, nil
	case principal.RoleAdmin:
		return principal.Admin{UserID: id}, nil
	default:
		// system actors are internal only
		return nil, apperr.Validation("unknown principal role %q", role)
	}
}

// cartOwner resolves whose cart a request addresses: the signed-in customer,
// otherwise the guest session.
func cartOwner(r *http.Request) (cart.Owner, error) {
	if p, ok := principal.FromContext(r.Context()); ok {
		c, isCustomer := p.(principal.Customer)
		if !isCustomer {
			return cart.Owner{}, apperr.ErrForbidden
		}
		return cart.User(c.UserID), nil
	}
	if s := strings.TrimSpace(r.Header.Get(HeaderSessionID)); s != "" {
		return cart.Guest(s), nil
	}
	return cart.Owner{}, apperr.Validation("guest requests require %s", HeaderSessionID)
}

func requirePrincipal(r *http.Request) (principal.Principal, error) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		return nil, apperr.ErrForbidden
	}
	return p, nil
}

func requireCustomer(r *http.Request) (principal.Customer, error) {
	p, ok := principal.FromContext(r.Context())
	if !ok {
		return principal.Customer{}, apperr.ErrForbidden
	}
	c, ok := p.(principal.Customer)
	if !ok {
		return principal.Customer{}, apperr.ErrForbidden
	}
	return c, nil
}
