package auth

import "fraudgraph.org/internal/model"

// Principal is the authenticated operator behind a request.
type Principal struct {
	UserID   string
	Username string
	Role     model.Role
}

// Can reports whether the principal's role grants c.
func (p Principal) Can(c Capability) bool {
	return Allowed(p.Role, c)
}
