package walker

import (
	"sort"

	"joinfetch/internal/mapping"
	"joinfetch/internal/session"
)

// Shape is the load-shape configuration of one compiled query. Exactly one
// of Entity and Collection is set.
type Shape struct {
	Entity     *mapping.EntityDescriptor
	Collection *mapping.CollectionDescriptor

	// MaxFetchDepth bounds the recursion depth of accepted joins. Negative
	// means unlimited.
	MaxFetchDepth int
	// BatchSize is the number of keys bound per execution. Values below 2
	// produce a single-key where clause.
	BatchSize int
	// UniqueKey replaces the identifier columns in the root where clause.
	UniqueKey []string
	Lock      session.LockOptions

	Influencers Influencers
	// Restrictions maps full property paths to with-clause fragments added
	// to the join condition. {alias} refers to the joined table.
	Restrictions map[string]string

	// Policy, when set, overrides the mapping-level fetch decision for a
	// candidate. Returning false falls back to the default decision.
	Policy func(c Candidate) (JoinType, bool)
	// TooManyCollections rejects an additional collection join when it
	// returns true.
	TooManyCollections func(accepted []Edge) bool
	// SingleCollectionFetch installs a TooManyCollections guard allowing at
	// most one joined collection.
	SingleCollectionFetch bool
}

// IsCollection reports whether the shape initializes a collection.
func (s Shape) IsCollection() bool {
	return s.Collection != nil
}

// Name returns the entity name or collection role of the root.
func (s Shape) Name() string {
	if s.Collection != nil {
		return s.Collection.Role
	}
	if s.Entity != nil {
		return s.Entity.Name
	}
	return ""
}

func (s Shape) tooManyCollections(accepted []Edge) bool {
	if s.TooManyCollections != nil && s.TooManyCollections(accepted) {
		return true
	}
	if s.SingleCollectionFetch {
		for _, e := range accepted {
			if e.Collection != nil {
				return true
			}
		}
	}
	return false
}

// FetchProfile promotes the listed association roles ("Entity.path") to
// joins while it is enabled.
type FetchProfile struct {
	Name  string
	Roles []string
}

// Influencers carries the session state that changes compiled SQL: enabled
// fetch profiles and enabled filters with their parameter values.
type Influencers struct {
	Profiles []FetchProfile
	Filters  map[string]map[string]any

	roles map[string]struct{}
}

// NewInfluencers indexes the roles of the enabled profiles.
func NewInfluencers(profiles []FetchProfile, filters map[string]map[string]any) Influencers {
	in := Influencers{Profiles: profiles, Filters: filters}
	if len(profiles) > 0 {
		in.roles = make(map[string]struct{})
		for _, p := range profiles {
			for _, r := range p.Roles {
				in.roles[r] = struct{}{}
			}
		}
	}
	return in
}

// HasEnabledProfiles reports whether any fetch profile is enabled.
func (in Influencers) HasEnabledProfiles() bool {
	return len(in.Profiles) > 0
}

// JoinsRole reports whether an enabled profile joins role.
func (in Influencers) JoinsRole(role string) bool {
	if in.roles != nil {
		_, ok := in.roles[role]
		return ok
	}
	for _, p := range in.Profiles {
		for _, r := range p.Roles {
			if r == role {
				return true
			}
		}
	}
	return false
}

// FilterEnabled reports whether the named filter is enabled.
func (in Influencers) FilterEnabled(name string) bool {
	_, ok := in.Filters[name]
	return ok
}

// FilterNames returns the enabled filter names in sorted order.
func (in Influencers) FilterNames() []string {
	names := make([]string, 0, len(in.Filters))
	for name := range in.Filters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProfileNames returns the enabled profile names in sorted order.
func (in Influencers) ProfileNames() []string {
	names := make([]string, 0, len(in.Profiles))
	for _, p := range in.Profiles {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}
