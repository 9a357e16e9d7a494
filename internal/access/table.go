package access

import (
	"DelayLedger/internal/errs"
	"DelayLedger/internal/identity"
	"fmt"
	"sort"
)

// Role names a capability checked at the top of privileged operations.
type Role string

// RoleInsuranceAuthority may order compensation debits against company pools.
// In a standard deployment only the settlement engine holds it.
const RoleInsuranceAuthority Role = "INSURANCE_AUTHORITY"

// Table is the authorization table: one administrator plus a set of
// identities per role. Only the administrator mutates grants, and only the
// administrator can hand its seat to another identity.
//
// Not thread-safe: only accessed under the core ledger lock.
type Table struct {
	admin  identity.ID
	grants map[Role]map[identity.ID]struct{}
}

func NewTable(admin identity.ID) *Table {
	return &Table{
		admin:  admin,
		grants: make(map[Role]map[identity.ID]struct{}),
	}
}

// Admin returns the current administrator.
func (t *Table) Admin() identity.ID {
	return t.admin
}

func (t *Table) requireAdmin(caller identity.ID) error {
	if caller.IsZero() || caller != t.admin {
		return fmt.Errorf("%w: %s is not the administrator", errs.ErrUnauthorized, caller)
	}
	return nil
}

// Grant adds who to role. changed is false when who already held the role.
func (t *Table) Grant(caller identity.ID, role Role, who identity.ID) (changed bool, err error) {
	if err := t.requireAdmin(caller); err != nil {
		return false, err
	}
	if who.IsZero() {
		return false, fmt.Errorf("%w: grantee is empty", errs.ErrInvalidArgument)
	}

	members, ok := t.grants[role]
	if !ok {
		members = make(map[identity.ID]struct{})
		t.grants[role] = members
	}
	if _, exists := members[who]; exists {
		return false, nil
	}
	members[who] = struct{}{}
	return true, nil
}

// Revoke removes who from role. changed is false when who did not hold it.
func (t *Table) Revoke(caller identity.ID, role Role, who identity.ID) (changed bool, err error) {
	if err := t.requireAdmin(caller); err != nil {
		return false, err
	}

	members := t.grants[role]
	if _, exists := members[who]; !exists {
		return false, nil
	}
	delete(members, who)
	if len(members) == 0 {
		delete(t.grants, role)
	}
	return true, nil
}

// Has reports whether who holds role.
func (t *Table) Has(role Role, who identity.ID) bool {
	_, ok := t.grants[role][who]
	return ok
}

// Require fails with ErrUnauthorized unless caller holds role.
func (t *Table) Require(role Role, caller identity.ID) error {
	if !t.Has(role, caller) {
		return fmt.Errorf("%w: account %s is missing role %s", errs.ErrUnauthorized, caller, role)
	}
	return nil
}

// RotateAdmin hands the administrator seat to next.
func (t *Table) RotateAdmin(caller, next identity.ID) error {
	if err := t.requireAdmin(caller); err != nil {
		return err
	}
	if next.IsZero() {
		return fmt.Errorf("%w: new administrator is empty", errs.ErrInvalidArgument)
	}
	t.admin = next
	return nil
}

// Members returns the holders of role in sorted order.
func (t *Table) Members(role Role) []identity.ID {
	out := make([]identity.ID, 0, len(t.grants[role]))
	for id := range t.grants[role] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grants returns a copy of every grant, keyed by role, for snapshots.
func (t *Table) Grants() map[Role][]identity.ID {
	out := make(map[Role][]identity.ID, len(t.grants))
	for role := range t.grants {
		out[role] = t.Members(role)
	}
	return out
}

// Restore replaces the table contents, bypassing authorization. Used when
// rebuilding state from a snapshot.
func (t *Table) Restore(admin identity.ID, grants map[Role][]identity.ID) {
	t.admin = admin
	t.grants = make(map[Role]map[identity.ID]struct{}, len(grants))
	for role, ids := range grants {
		members := make(map[identity.ID]struct{}, len(ids))
		for _, id := range ids {
			members[id] = struct{}{}
		}
		t.grants[role] = members
	}
}
