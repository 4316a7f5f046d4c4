// Package propertypath models dotted logical property paths such as
// "order.customer.address" used to key path-scoped fetch configuration.
package propertypath

import "strings"

// IdentifierMapper is the synthetic property that holds the virtual
// properties of a non-aggregated composite identifier. It never appears in
// a full path.
const IdentifierMapper = "_identifierMapper"

// Path is an immutable node in a property path tree. The zero value is not
// useful; start from Root.
type Path struct {
	parent   *Path
	property string
	fullPath string
}

var root = &Path{}

// Root returns the empty root path.
func Root() *Path {
	return root
}

// Append returns the child path for property.
func (p *Path) Append(property string) *Path {
	child := &Path{parent: p, property: property}
	switch {
	case property == IdentifierMapper:
		child.fullPath = p.FullPath()
	case p.FullPath() == "":
		child.fullPath = property
	default:
		child.fullPath = p.FullPath() + "." + property
	}
	return child
}

// Parse builds a path from a dotted string.
func Parse(dotted string) *Path {
	p := Root()
	if dotted == "" {
		return p
	}
	for _, segment := range strings.Split(dotted, ".") {
		p = p.Append(segment)
	}
	return p
}

// Parent returns the parent path, or nil for the root.
func (p *Path) Parent() *Path {
	return p.parent
}

// Property returns the last segment.
func (p *Path) Property() string {
	return p.property
}

// FullPath returns the dotted path with synthetic segments elided.
func (p *Path) FullPath() string {
	if p == nil {
		return ""
	}
	return p.fullPath
}

// IsRoot reports whether p is the empty root path.
func (p *Path) IsRoot() bool {
	return p.parent == nil
}

// RelativeTo returns the portion of p's full path below base. When base is
// not an ancestor of p the full path is returned unchanged.
func (p *Path) RelativeTo(base *Path) string {
	full := p.FullPath()
	prefix := base.FullPath()
	if prefix == "" {
		return full
	}
	if full == prefix {
		return ""
	}
	if strings.HasPrefix(full, prefix+".") {
		return full[len(prefix)+1:]
	}
	return full
}

func (p *Path) String() string {
	return "PropertyPath[" + p.FullPath() + "]"
}
