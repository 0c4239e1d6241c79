package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Role is a named bundle of default permissions.
type Role string

const (
	RoleSuperAdmin             Role = "super-admin"
	RoleOwnerLandlord          Role = "owner-landlord"
	RolePMCAdmin               Role = "pmc-admin"
	RolePropertyManager        Role = "property-manager"
	RoleAccountant             Role = "accountant"
	RoleMaintenanceCoordinator Role = "maintenance-coordinator"
	RoleLeasingAgent           Role = "leasing-agent"
	RoleTenant                 Role = "tenant"
	RoleVendor                 Role = "vendor"
)

// Resource categories.
const (
	CategoryProperty    = "property"
	CategoryLeasing     = "leasing"
	CategoryFinancial   = "financial"
	CategoryMaintenance = "maintenance"
	CategoryPeople      = "people"
	CategoryDocuments   = "documents"
	CategoryAdmin       = "admin"
)

// Frequently referenced permissions.
var (
	PermPortfolioRead   = Perm(CategoryProperty, "portfolio", ActionRead)
	PermPropertyRead    = Perm(CategoryProperty, "property", ActionRead)
	PermPropertyUpdate  = Perm(CategoryProperty, "property", ActionUpdate)
	PermUnitRead        = Perm(CategoryProperty, "unit", ActionRead)
	PermUnitUpdate      = Perm(CategoryProperty, "unit", ActionUpdate)
	PermLeaseRead       = Perm(CategoryLeasing, "lease", ActionRead)
	PermLeaseCreate     = Perm(CategoryLeasing, "lease", ActionCreate)
	PermLeaseApprove    = Perm(CategoryLeasing, "lease", ActionApprove)
	PermExpenseCreate   = Perm(CategoryFinancial, "expense", ActionCreate)
	PermExpenseApprove  = Perm(CategoryFinancial, "expense", ActionApprove)
	PermMaintenanceRead = Perm(CategoryMaintenance, "request", ActionRead)
	PermMaintenanceNew  = Perm(CategoryMaintenance, "request", ActionCreate)
	PermRoleAssign      = Perm(CategoryAdmin, "role", ActionAssign)
	PermOverrideAssign  = Perm(CategoryAdmin, "override", ActionAssign)
	PermAuditRead       = Perm(CategoryAdmin, "audit_log", ActionRead)
	PermApprovalRead    = Perm(CategoryAdmin, "approval", ActionRead)
	PermApprovalDecide  = Perm(CategoryAdmin, "approval", ActionApprove)
	PermBulkUpdate      = Perm(CategoryAdmin, "bulk_operation", ActionUpdate)
)

// PermissionSpec describes one catalog entry.
type PermissionSpec struct {
	Permission  Permission
	Description string
}

// RoleSpec describes a role and its default permission set. Global roles are
// platform-wide and receive the universal scope.
type RoleSpec struct {
	Role        Role
	Description string
	Global      bool
	Permissions []Permission
}

// Catalog is the immutable permission table and role → permission lookup.
// It is built once at startup and shared by every request.
type Catalog struct {
	perms map[Permission]PermissionSpec
	roles map[Role]catalogRole
}

type catalogRole struct {
	spec  RoleSpec
	grant map[Permission]struct{}
}

// NewCatalog validates the definitions and precomputes the lookup table.
// Every permission a role references must exist in perms.
func NewCatalog(perms []PermissionSpec, roles []RoleSpec) (*Catalog, error) {
	c := &Catalog{
		perms: make(map[Permission]PermissionSpec, len(perms)),
		roles: make(map[Role]catalogRole, len(roles)),
	}
	for _, p := range perms {
		if p.Permission.Category == "" || p.Permission.Resource == "" || p.Permission.Action == "" {
			return nil, fmt.Errorf("%w: incomplete permission %q", ErrInvalidInput, p.Permission.Key())
		}
		if _, dup := c.perms[p.Permission]; dup {
			return nil, fmt.Errorf("%w: duplicate permission %s", ErrInvalidInput, p.Permission)
		}
		c.perms[p.Permission] = p
	}
	for _, r := range roles {
		if strings.TrimSpace(string(r.Role)) == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		if _, dup := c.roles[r.Role]; dup {
			return nil, fmt.Errorf("%w: duplicate role %s", ErrInvalidInput, r.Role)
		}
		grant := make(map[Permission]struct{}, len(r.Permissions))
		for _, p := range r.Permissions {
			if _, ok := c.perms[p]; !ok {
				return nil, fmt.Errorf("%w: role %s references %s", ErrUnknownPermission, r.Role, p)
			}
			grant[p] = struct{}{}
		}
		c.roles[r.Role] = catalogRole{spec: r, grant: grant}
	}
	return c, nil
}

// Known reports whether p is a catalog permission.
func (c *Catalog) Known(p Permission) bool {
	_, ok := c.perms[p]
	return ok
}

// Lookup parses a permission key and checks it against the catalog.
func (c *Catalog) Lookup(key string) (Permission, error) {
	p, err := ParsePermission(key)
	if err != nil {
		return Permission{}, err
	}
	if !c.Known(p) {
		return Permission{}, fmt.Errorf("%w: %s", ErrUnknownPermission, key)
	}
	return p, nil
}

// Role returns the definition of r.
func (c *Catalog) Role(r Role) (RoleSpec, bool) {
	entry, ok := c.roles[r]
	return entry.spec, ok
}

// ParseRole maps a stored role name onto the enum.
func (c *Catalog) ParseRole(name string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(name)))
	if _, ok := c.roles[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return r, nil
}

// IsGlobal reports whether r is a platform-wide role.
func (c *Catalog) IsGlobal(r Role) bool {
	return c.roles[r].spec.Global
}

// Grants reports whether r carries p by default.
func (c *Catalog) Grants(r Role, p Permission) bool {
	_, ok := c.roles[r].grant[p]
	return ok
}

// Permissions lists the catalog ordered by key.
func (c *Catalog) Permissions() []PermissionSpec {
	out := make([]PermissionSpec, 0, len(c.perms))
	for _, p := range c.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission.Key() < out[j].Permission.Key() })
	return out
}

// Roles lists role definitions ordered by name.
func (c *Catalog) Roles() []RoleSpec {
	out := make([]RoleSpec, 0, len(c.roles))
	for _, r := range c.roles {
		out = append(out, r.spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
)

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		c, err := NewCatalog(BuiltinPermissions(), BuiltinRoles())
		if err != nil {
			panic(fmt.Sprintf("rbac: invalid builtin catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

type resourceDef struct {
	category string
	resource string
	label    string
	actions  []Action
}

var builtinResources = []resourceDef{
	{CategoryProperty, "portfolio", "portfolios", []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{CategoryProperty, "property", "properties", []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{CategoryProperty, "unit", "units", []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{CategoryLeasing, "lease", "leases", []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove}},
	{CategoryLeasing, "application", "rental applications", []Action{ActionCreate, ActionRead, ActionUpdate, ActionApprove}},
	{CategoryFinancial, "expense", "expenses", []Action{ActionCreate, ActionRead, ActionUpdate, ActionApprove, ActionExport}},
	{CategoryFinancial, "payment", "rent payments", []Action{ActionCreate, ActionRead, ActionExport}},
	{CategoryFinancial, "invoice", "invoices", []Action{ActionCreate, ActionRead, ActionUpdate}},
	{CategoryMaintenance, "request", "maintenance requests", []Action{ActionCreate, ActionRead, ActionUpdate, ActionApprove}},
	{CategoryMaintenance, "work_order", "work orders", []Action{ActionCreate, ActionRead, ActionUpdate, ActionAssign}},
	{CategoryPeople, "tenant", "tenant records", []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete}},
	{CategoryPeople, "vendor", "vendors", []Action{ActionCreate, ActionRead, ActionUpdate}},
	{CategoryPeople, "user", "platform users", []Action{ActionRead, ActionUpdate}},
	{CategoryDocuments, "document", "documents", []Action{ActionCreate, ActionRead, ActionDelete}},
	{CategoryAdmin, "role", "role assignments", []Action{ActionRead, ActionAssign}},
	{CategoryAdmin, "override", "permission overrides", []Action{ActionAssign}},
	{CategoryAdmin, "audit_log", "the audit log", []Action{ActionRead, ActionExport}},
	{CategoryAdmin, "approval", "approval requests", []Action{ActionRead, ActionApprove}},
	{CategoryAdmin, "bulk_operation", "bulk operations", []Action{ActionUpdate}},
}

// BuiltinPermissions returns every permission the platform knows about.
func BuiltinPermissions() []PermissionSpec {
	var out []PermissionSpec
	for _, r := range builtinResources {
		for _, a := range r.actions {
			out = append(out, PermissionSpec{
				Permission:  Perm(r.category, r.resource, a),
				Description: fmt.Sprintf("%s %s", strings.ToUpper(string(a[:1]))+string(a[1:]), r.label),
			})
		}
	}
	return out
}

// BuiltinRoles returns the default role definitions.
func BuiltinRoles() []RoleSpec {
	all := func() []Permission {
		var out []Permission
		for _, p := range BuiltinPermissions() {
			out = append(out, p.Permission)
		}
		return out
	}
	pick := func(category, resource string, actions ...Action) []Permission {
		if len(actions) == 0 {
			for _, r := range builtinResources {
				if r.category == category && r.resource == resource {
					actions = r.actions
				}
			}
		}
		out := make([]Permission, 0, len(actions))
		for _, a := range actions {
			out = append(out, Perm(category, resource, a))
		}
		return out
	}
	join := func(groups ...[]Permission) []Permission {
		var out []Permission
		for _, g := range groups {
			out = append(out, g...)
		}
		return out
	}
	owner := join(
		pick(CategoryProperty, "portfolio"), pick(CategoryProperty, "property"), pick(CategoryProperty, "unit"),
		pick(CategoryLeasing, "lease"), pick(CategoryLeasing, "application"),
		pick(CategoryFinancial, "expense"), pick(CategoryFinancial, "payment"), pick(CategoryFinancial, "invoice"),
		pick(CategoryMaintenance, "request"), pick(CategoryMaintenance, "work_order"),
		pick(CategoryPeople, "tenant"), pick(CategoryPeople, "vendor"), pick(CategoryPeople, "user"),
		pick(CategoryDocuments, "document"),
		pick(CategoryAdmin, "role"), pick(CategoryAdmin, "override"),
		pick(CategoryAdmin, "audit_log", ActionRead),
		pick(CategoryAdmin, "approval"), pick(CategoryAdmin, "bulk_operation"),
	)
	return []RoleSpec{
		{Role: RoleSuperAdmin, Description: "Platform operator", Global: true, Permissions: all()},
		{Role: RoleOwnerLandlord, Description: "Owner of the organization's properties", Permissions: owner},
		{Role: RolePMCAdmin, Description: "Property management company administrator", Permissions: join(
			pick(CategoryProperty, "portfolio", ActionRead, ActionUpdate),
			pick(CategoryProperty, "property", ActionCreate, ActionRead, ActionUpdate),
			pick(CategoryProperty, "unit"),
			pick(CategoryLeasing, "lease"), pick(CategoryLeasing, "application"),
			pick(CategoryFinancial, "expense"), pick(CategoryFinancial, "payment"), pick(CategoryFinancial, "invoice"),
			pick(CategoryMaintenance, "request"), pick(CategoryMaintenance, "work_order"),
			pick(CategoryPeople, "tenant"), pick(CategoryPeople, "vendor"), pick(CategoryPeople, "user"),
			pick(CategoryDocuments, "document"),
			pick(CategoryAdmin, "role"), pick(CategoryAdmin, "audit_log", ActionRead),
			pick(CategoryAdmin, "approval"),
		)},
		{Role: RolePropertyManager, Description: "Manages day-to-day operations of assigned properties", Permissions: join(
			pick(CategoryProperty, "portfolio", ActionRead),
			pick(CategoryProperty, "property", ActionRead, ActionUpdate),
			pick(CategoryProperty, "unit"),
			pick(CategoryLeasing, "lease", ActionCreate, ActionRead, ActionUpdate),
			pick(CategoryLeasing, "application"),
			pick(CategoryFinancial, "expense", ActionCreate, ActionRead, ActionUpdate),
			pick(CategoryFinancial, "payment", ActionRead),
			pick(CategoryMaintenance, "request"), pick(CategoryMaintenance, "work_order"),
			pick(CategoryPeople, "tenant"), pick(CategoryPeople, "vendor", ActionRead),
			pick(CategoryDocuments, "document", ActionCreate, ActionRead),
			pick(CategoryAdmin, "approval"),
		)},
		{Role: RoleAccountant, Description: "Bookkeeping and financial reporting", Permissions: join(
			pick(CategoryProperty, "portfolio", ActionRead),
			pick(CategoryProperty, "property", ActionRead),
			pick(CategoryProperty, "unit", ActionRead),
			pick(CategoryLeasing, "lease", ActionRead),
			pick(CategoryFinancial, "expense"), pick(CategoryFinancial, "payment"), pick(CategoryFinancial, "invoice"),
			pick(CategoryAdmin, "audit_log"),
			pick(CategoryAdmin, "approval", ActionRead),
		)},
		{Role: RoleMaintenanceCoordinator, Description: "Schedules maintenance and vendors", Permissions: join(
			pick(CategoryProperty, "property", ActionRead),
			pick(CategoryProperty, "unit", ActionRead),
			pick(CategoryMaintenance, "request"), pick(CategoryMaintenance, "work_order"),
			pick(CategoryPeople, "vendor", ActionRead),
			pick(CategoryFinancial, "expense", ActionCreate, ActionRead),
		)},
		{Role: RoleLeasingAgent, Description: "Markets units and processes applications", Permissions: join(
			pick(CategoryProperty, "property", ActionRead),
			pick(CategoryProperty, "unit", ActionRead),
			pick(CategoryLeasing, "lease", ActionCreate, ActionRead, ActionUpdate),
			pick(CategoryLeasing, "application"),
			pick(CategoryPeople, "tenant", ActionCreate, ActionRead, ActionUpdate),
			pick(CategoryDocuments, "document", ActionCreate, ActionRead),
		)},
		{Role: RoleTenant, Description: "Resident of a unit", Permissions: join(
			pick(CategoryProperty, "unit", ActionRead),
			pick(CategoryLeasing, "lease", ActionRead),
			pick(CategoryFinancial, "payment", ActionCreate, ActionRead),
			pick(CategoryMaintenance, "request", ActionCreate, ActionRead),
			pick(CategoryDocuments, "document", ActionRead),
		)},
		{Role: RoleVendor, Description: "External service provider", Permissions: join(
			pick(CategoryMaintenance, "request", ActionRead),
			pick(CategoryMaintenance, "work_order", ActionRead, ActionUpdate),
		)},
	}
}
