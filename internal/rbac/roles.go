package rbac

// Role names carried in the external token's roles claim.
const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
	RoleBuyer  = "buyer"
)

func IsAdmin(role string) bool { return role == RoleAdmin }
