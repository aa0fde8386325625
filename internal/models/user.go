package models

// Roles carried in the access token
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleTenant   = "tenant"
)

// Principal is the authenticated caller. Tokens are issued elsewhere and only verified here.
type Principal struct {
	UserID     string     `json:"userId" example:"u-123"`
	Role       string     `json:"role" example:"tenant"`
	EntityType EntityType `json:"entityType,omitempty" example:"Artist"`
	EntityID   string     `json:"entityId,omitempty" example:"artist-1"`
}

// IsOperator reports whether the caller may act on any account
func (p Principal) IsOperator() bool {
	return p.Role == RoleAdmin || p.Role == RoleOperator
}

// CanAccess reports whether the caller may read or move funds of the given entity
func (p Principal) CanAccess(entityType EntityType, entityID string) bool {
	if p.IsOperator() {
		return true
	}
	return p.EntityType == entityType && p.EntityID == entityID
}
