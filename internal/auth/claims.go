package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// Callers are other services (signaling, metering, monitoring), never end
// users. The calling service is the registered subject.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}

// Service returns the calling service name.
func (c Claims) Service() string { return c.Subject }
