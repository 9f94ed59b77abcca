package rbac

// Role names carried by service tokens. Keep these stable; they are part of
// the auth/RBAC contract with the calling services.
const (
	RoleSignaling = "signaling" // call lifecycle events
	RoleMetering  = "metering"  // ticks and progress
	RoleMonitor   = "monitor"   // read-only classification and reports
	RoleAdmin     = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

func IsKnownRole(role string) bool {
	switch role {
	case RoleSignaling, RoleMetering, RoleMonitor, RoleAdmin:
		return true
	default:
		return false
	}
}
