package access

import (
	"sort"
	"strings"
)

// TenantSet is the set of tenants a caller may act on: either an enumerated
// set or the All sentinel carried by GLOBAL roles. The sentinel is never a
// filter value; callers must branch on IsAll explicitly.
type TenantSet struct {
	all bool
	ids map[string]struct{}
}

// All returns the sentinel for GLOBAL scope
func All() TenantSet {
	return TenantSet{all: true}
}

// Tenants returns an enumerated set
func Tenants(ids ...string) TenantSet {
	s := TenantSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// IsAll reports whether this is the GLOBAL sentinel
func (s TenantSet) IsAll() bool {
	return s.all
}

// Contains reports whether id is authorized. The sentinel contains every
// non-empty tenant id.
func (s TenantSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	if s.all {
		return true
	}
	_, ok := s.ids[id]
	return ok
}

// IDs returns the sorted enumerated tenants, or nil for the sentinel
func (s TenantSet) IDs() []string {
	if s.all {
		return nil
	}
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of enumerated tenants (zero for the sentinel)
func (s TenantSet) Len() int {
	if s.all {
		return 0
	}
	return len(s.ids)
}

// Empty reports whether the set authorizes nothing
func (s TenantSet) Empty() bool {
	return !s.all && len(s.ids) == 0
}

func (s TenantSet) String() string {
	if s.all {
		return "ALL"
	}
	return "[" + strings.Join(s.IDs(), ",") + "]"
}
