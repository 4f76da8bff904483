package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
// Roles are scoped to a chama: the same person may be a member in one chama
// and chairman in another.
const (
	RoleMember     = "member"
	RoleTreasurer  = "treasurer"
	RoleAdmin      = "admin"
	RoleChairman   = "chairman"
	RoleSuperAdmin = "super_admin" // platform operators, not chama members
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// CanManageWithdrawals reports whether a role may lock or unlock another
// member's withdrawal capability.
func CanManageWithdrawals(role string) bool {
	return role == RoleAdmin || role == RoleChairman
}
