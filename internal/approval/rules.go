package approval

import (
	"fmt"

	"leasehold.org/internal/rbac"
)

// Rule says who may execute a workflow directly and who must approve it
// otherwise. Permission is what the change itself requires: actors without it
// over the entity can neither execute nor request. A nil AutoApproveBelow
// means any amount may be executed directly by an executor.
type Rule struct {
	EntityType       string
	Permission       rbac.Permission
	RequiredApprover rbac.Role
	Executors        []rbac.Role
	AutoApproveBelow *int64
}

// Rules maps workflows to their rule.
type Rules map[WorkflowType]Rule

func limit(v int64) *int64 { return &v }

// DefaultRules is the builtin workflow table. Amounts are in cents.
func DefaultRules() Rules {
	return Rules{
		WorkflowExpense: {
			EntityType:       "expense",
			Permission:       rbac.PermExpenseCreate,
			RequiredApprover: rbac.RoleOwnerLandlord,
			Executors:        []rbac.Role{rbac.RoleOwnerLandlord, rbac.RolePMCAdmin},
			AutoApproveBelow: limit(50_000),
		},
		WorkflowLease: {
			EntityType:       "lease",
			Permission:       rbac.PermLeaseCreate,
			RequiredApprover: rbac.RoleOwnerLandlord,
			Executors:        []rbac.Role{rbac.RoleOwnerLandlord},
		},
		WorkflowMaintenance: {
			EntityType:       "maintenance_request",
			Permission:       rbac.PermMaintenanceNew,
			RequiredApprover: rbac.RolePropertyManager,
			Executors:        []rbac.Role{rbac.RolePropertyManager, rbac.RolePMCAdmin, rbac.RoleOwnerLandlord},
			AutoApproveBelow: limit(100_000),
		},
		WorkflowPropertyEdit: {
			EntityType:       "property",
			Permission:       rbac.PermPropertyUpdate,
			RequiredApprover: rbac.RoleOwnerLandlord,
			Executors:        []rbac.Role{rbac.RoleOwnerLandlord, rbac.RolePMCAdmin},
		},
		WorkflowBulkOperation: {
			EntityType:       "bulk_operation",
			Permission:       rbac.PermBulkUpdate,
			RequiredApprover: rbac.RolePMCAdmin,
		},
	}
}

// Validate checks every role the table references against c.
func (r Rules) Validate(c *rbac.Catalog) error {
	for wf, rule := range r {
		if rule.EntityType == "" {
			return fmt.Errorf("%w: workflow %s has no entity type", ErrInvalidInput, wf)
		}
		if !c.Known(rule.Permission) {
			return fmt.Errorf("%w: workflow %s requires %s", rbac.ErrUnknownPermission, wf, rule.Permission)
		}
		if _, ok := c.Role(rule.RequiredApprover); !ok {
			return fmt.Errorf("%w: workflow %s approver %s", rbac.ErrUnknownRole, wf, rule.RequiredApprover)
		}
		for _, e := range rule.Executors {
			if _, ok := c.Role(e); !ok {
				return fmt.Errorf("%w: workflow %s executor %s", rbac.ErrUnknownRole, wf, e)
			}
		}
		if rule.AutoApproveBelow != nil && *rule.AutoApproveBelow < 0 {
			return fmt.Errorf("%w: workflow %s has a negative threshold", ErrInvalidInput, wf)
		}
	}
	return nil
}

// directExecution reports whether g may apply change without approval.
func (rule Rule) directExecution(g *rbac.Grants, scope rbac.TargetScope, change Change) bool {
	if rule.AutoApproveBelow != nil {
		if change.Amount == nil || *change.Amount >= *rule.AutoApproveBelow {
			return false
		}
	}
	for _, e := range rule.Executors {
		if g.RoleCovers(e, scope) {
			return true
		}
	}
	return false
}
