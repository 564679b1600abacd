package rbac

// Role names carried in access tokens. Keep these stable; they are part of
// the auth/RBAC contract.
const (
	RoleAdmin  = "admin"
	RoleHolder = "holder" // a regular token holder
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// RoleFor maps an identity's admin flag to its token role.
func RoleFor(isAdmin bool) string {
	if isAdmin {
		return RoleAdmin
	}
	return RoleHolder
}
