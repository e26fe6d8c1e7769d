package auth

import "fraudgraph.org/internal/model"

// Capability names an operation class checked at the API edge.
type Capability string

const (
	CapIngest           Capability = "ingest"
	CapDetect           Capability = "detect"
	CapRulesRead        Capability = "rules.read"
	CapRulesWrite       Capability = "rules.write"
	CapAlertsRead       Capability = "alerts.read"
	CapAlertsResolve    Capability = "alerts.resolve"
	CapTransactionsRead Capability = "transactions.read"
	CapLogsRead         Capability = "logs.read"
	CapUsersManage      Capability = "users.manage"
)

var everyone = []model.Role{model.RoleAdmin, model.RoleAnalyst, model.RoleAgent}

var grants = map[Capability][]model.Role{
	CapIngest:           everyone,
	CapDetect:           {model.RoleAdmin, model.RoleAgent},
	CapRulesRead:        everyone,
	CapRulesWrite:       {model.RoleAdmin},
	CapAlertsRead:       everyone,
	CapAlertsResolve:    {model.RoleAdmin, model.RoleAnalyst},
	CapTransactionsRead: everyone,
	CapLogsRead:         {model.RoleAdmin},
	CapUsersManage:      {model.RoleAdmin},
}

// Allowed reports whether role grants c. Unknown roles and capabilities are denied.
func Allowed(role model.Role, c Capability) bool {
	for _, r := range grants[c] {
		if r == role {
			return true
		}
	}
	return false
}
