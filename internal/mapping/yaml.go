package mapping

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a metamodel.
type Document struct {
	Entities []EntityDoc `yaml:"entities"`
}

// EntityDoc is the YAML form of one entity.
type EntityDoc struct {
	Name           string        `yaml:"name"`
	Table          string        `yaml:"table"`
	Extends        string        `yaml:"extends"`
	ID             *IDDoc        `yaml:"id"`
	Discriminator  *Discriminator `yaml:"discriminator"`
	Version        *Version      `yaml:"version"`
	Proxy          bool          `yaml:"proxy"`
	Immutable      bool          `yaml:"immutable"`
	CacheReference bool          `yaml:"cache_reference"`
	NaturalID      *NaturalIDDoc `yaml:"natural_id"`
	Where          string        `yaml:"where"`
	Filters        []FilterDoc   `yaml:"filters"`
	Properties     []PropertyDoc `yaml:"properties"`
}

// IDDoc is the YAML form of an identifier.
type IDDoc struct {
	Name       string        `yaml:"name"`
	Column     string        `yaml:"column"`
	Kind       string        `yaml:"kind"`
	Properties []PropertyDoc `yaml:"properties"`
}

// NaturalIDDoc is the YAML form of a natural id.
type NaturalIDDoc struct {
	Properties []string `yaml:"properties"`
	Mutable    bool     `yaml:"mutable"`
}

// FilterDoc is the YAML form of a filter.
type FilterDoc struct {
	Name      string `yaml:"name"`
	Condition string `yaml:"condition"`
}

// PropertyDoc is the YAML form of a property. Exactly one of Column(s),
// ManyToOne, OneToOne, Collection or Component is set.
type PropertyDoc struct {
	Name          string         `yaml:"name"`
	Column        string         `yaml:"column"`
	Columns       []string       `yaml:"columns"`
	Nullable      *bool          `yaml:"nullable"`
	ManyToOne     string         `yaml:"many_to_one"`
	OneToOne      string         `yaml:"one_to_one"`
	Direction     string         `yaml:"direction"`
	TargetColumns []string       `yaml:"target_columns"`
	Fetch         string         `yaml:"fetch"`
	Lazy          *bool          `yaml:"lazy"`
	Cascade       string         `yaml:"cascade"`
	NotFound      string         `yaml:"not_found"`
	Collection    *CollectionDoc `yaml:"collection"`
	Component     []PropertyDoc  `yaml:"component"`
}

// CollectionDoc is the YAML form of a collection declared on its owning property.
type CollectionDoc struct {
	Kind              string        `yaml:"kind"`
	Table             string        `yaml:"table"`
	Key               []string      `yaml:"key"`
	Index             []string      `yaml:"index"`
	OneToMany         string        `yaml:"one_to_many"`
	ManyToMany        string        `yaml:"many_to_many"`
	ElementColumns    []string      `yaml:"element_columns"`
	ElementComponent  []PropertyDoc `yaml:"element_component"`
	ElementFetch      string        `yaml:"element_fetch"`
	ElementNotFound   string        `yaml:"element_not_found"`
	IdentifierColumn  string        `yaml:"identifier_column"`
	OrderBy           string        `yaml:"order_by"`
	ManyToManyOrderBy string        `yaml:"many_to_many_order_by"`
	ManyToManyWhere   string        `yaml:"many_to_many_where"`
	Where             string        `yaml:"where"`
	Inverse           bool          `yaml:"inverse"`
}

// LoadFile reads a YAML mapping document from path.
func LoadFile(path string) (*Metamodel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file: %w", err)
	}
	defer f.Close()
	return LoadYAML(f)
}

// LoadYAML decodes a mapping document and builds a validated metamodel.
func LoadYAML(r io.Reader) (*Metamodel, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode mapping document: %w", err)
	}
	return doc.Build()
}

// Build converts the document into descriptors and links them.
func (d Document) Build() (*Metamodel, error) {
	tables := make(map[string]string, len(d.Entities))
	for _, e := range d.Entities {
		tables[e.Name] = e.Table
	}
	for _, e := range d.Entities {
		if e.Table == "" && e.Extends != "" {
			tables[e.Name] = rootTable(d.Entities, e.Extends)
		}
	}

	var entities []*EntityDescriptor
	var collections []*CollectionDescriptor
	for _, doc := range d.Entities {
		b := &docBuilder{owner: doc.Name, ownerTable: tables[doc.Name]}
		e := &EntityDescriptor{
			Name:           doc.Name,
			Table:          doc.Table,
			Superclass:     doc.Extends,
			Discriminator:  doc.Discriminator,
			Version:        doc.Version,
			HasProxy:       doc.Proxy,
			Immutable:      doc.Immutable,
			CacheReference: doc.CacheReference,
			Where:          doc.Where,
		}
		if doc.NaturalID != nil {
			e.NaturalID = &NaturalID{Properties: doc.NaturalID.Properties, Mutable: doc.NaturalID.Mutable}
		}
		for _, f := range doc.Filters {
			e.Filters = append(e.Filters, Filter(f))
		}
		if doc.ID != nil {
			id, err := b.identifier(*doc.ID)
			if err != nil {
				return nil, err
			}
			e.Identifier = id
		}
		props, err := b.properties("", doc.Properties)
		if err != nil {
			return nil, err
		}
		e.Properties = props
		entities = append(entities, e)
		collections = append(collections, b.collections...)
	}
	return NewMetamodel(entities, collections)
}

func rootTable(docs []EntityDoc, name string) string {
	for i := 0; i < len(docs); i++ {
		for _, e := range docs {
			if e.Name != name {
				continue
			}
			if e.Extends == "" || e.Table != "" {
				return e.Table
			}
			name = e.Extends
		}
	}
	return ""
}

type docBuilder struct {
	owner       string
	ownerTable  string
	collections []*CollectionDescriptor
}

func (b *docBuilder) identifier(doc IDDoc) (Identifier, error) {
	name := doc.Name
	if name == "" {
		name = "id"
	}
	switch doc.Kind {
	case "", "simple":
		column := doc.Column
		if column == "" {
			column = name
		}
		return Identifier{Name: name, Kind: IdentifierSimple, Columns: []string{column}}, nil
	case "aggregated", "non_aggregated":
		props, err := b.properties("", doc.Properties)
		if err != nil {
			return Identifier{}, err
		}
		kind := IdentifierAggregated
		if doc.Kind == "non_aggregated" {
			kind = IdentifierNonAggregated
		}
		return Identifier{Name: name, Kind: kind, Component: &Component{Properties: props}}, nil
	default:
		return Identifier{}, fmt.Errorf("entity %s: unknown identifier kind %q", b.owner, doc.Kind)
	}
}

func (b *docBuilder) properties(prefix string, docs []PropertyDoc) ([]Property, error) {
	props := make([]Property, 0, len(docs))
	for _, doc := range docs {
		p, err := b.property(prefix, doc)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, nil
}

func (b *docBuilder) property(prefix string, doc PropertyDoc) (Property, error) {
	if doc.Name == "" {
		return Property{}, fmt.Errorf("entity %s: property without a name", b.owner)
	}
	p := Property{Name: doc.Name, Nullable: doc.Nullable == nil || *doc.Nullable}

	fetch, err := parseFetch(doc.Fetch)
	if err != nil {
		return Property{}, fmt.Errorf("entity %s property %s: %w", b.owner, doc.Name, err)
	}
	notFound, err := parseNotFound(doc.NotFound)
	if err != nil {
		return Property{}, fmt.Errorf("entity %s property %s: %w", b.owner, doc.Name, err)
	}

	switch {
	case doc.ManyToOne != "" || doc.OneToOne != "":
		a := &Association{
			Kind:          ToOne,
			Target:        doc.ManyToOne,
			Fetch:         fetch,
			Lazy:          doc.Lazy != nil && *doc.Lazy,
			Cascade:       doc.Cascade,
			NotFound:      notFound,
			Columns:       doc.Columns,
			TargetColumns: doc.TargetColumns,
		}
		if doc.OneToOne != "" {
			a.Kind = OneToOne
			a.Target = doc.OneToOne
		}
		switch doc.Direction {
		case "", "from_parent":
			a.Direction = FromParent
		case "to_parent":
			a.Direction = ToParent
		default:
			return Property{}, fmt.Errorf("entity %s property %s: unknown direction %q", b.owner, doc.Name, doc.Direction)
		}
		if doc.Column != "" {
			a.Columns = []string{doc.Column}
		}
		if len(a.Columns) == 0 && a.Direction == FromParent {
			a.Columns = []string{foreignKeyColumn(doc.Name)}
		}
		p.Type = a
	case doc.Collection != nil:
		role := b.owner + "." + joinPath(prefix, doc.Name)
		coll, err := b.collection(role, *doc.Collection)
		if err != nil {
			return Property{}, err
		}
		b.collections = append(b.collections, coll)
		p.Nullable = true
		p.Type = &Association{
			Kind:     ToMany,
			Target:   role,
			Fetch:    fetch,
			Lazy:     doc.Lazy == nil || *doc.Lazy,
			Cascade:  doc.Cascade,
			NotFound: notFound,
		}
	case len(doc.Component) > 0:
		nested, err := b.properties(joinPath(prefix, doc.Name), doc.Component)
		if err != nil {
			return Property{}, err
		}
		p.Type = &Component{Properties: nested}
	default:
		cols := doc.Columns
		if doc.Column != "" {
			cols = []string{doc.Column}
		}
		if len(cols) == 0 {
			cols = []string{doc.Name}
		}
		p.Type = &Basic{Columns: cols}
	}
	return p, nil
}

func (b *docBuilder) collection(role string, doc CollectionDoc) (*CollectionDescriptor, error) {
	kind, err := parseCollectionKind(doc.Kind)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", role, err)
	}
	elementFetch, err := parseFetch(doc.ElementFetch)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", role, err)
	}
	elementNotFound, err := parseNotFound(doc.ElementNotFound)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", role, err)
	}
	c := &CollectionDescriptor{
		Role:              role,
		Owner:             b.owner,
		Kind:              kind,
		Table:             doc.Table,
		KeyColumns:        doc.Key,
		IndexColumns:      doc.Index,
		ElementColumns:    doc.ElementColumns,
		IdentifierColumn:  doc.IdentifierColumn,
		ElementFetch:      elementFetch,
		ElementNotFound:   elementNotFound,
		OrderBy:           doc.OrderBy,
		ManyToManyOrderBy: doc.ManyToManyOrderBy,
		ManyToManyWhere:   doc.ManyToManyWhere,
		Where:             doc.Where,
		Inverse:           doc.Inverse,
	}
	if len(c.KeyColumns) == 0 {
		c.KeyColumns = []string{foreignKeyColumn(b.ownerTable)}
	}
	switch {
	case doc.OneToMany != "":
		c.Element = ElementOneToMany
		c.ElementEntity = doc.OneToMany
	case doc.ManyToMany != "":
		c.Element = ElementManyToMany
		c.ElementEntity = doc.ManyToMany
		if len(c.ElementColumns) == 0 {
			c.ElementColumns = []string{foreignKeyColumn(doc.ManyToMany)}
		}
	case len(doc.ElementComponent) > 0:
		props, err := b.properties("", doc.ElementComponent)
		if err != nil {
			return nil, err
		}
		c.Element = ElementComponent
		c.ElementComponent = &Component{Properties: props}
	default:
		c.Element = ElementValue
	}
	return c, nil
}

// foreignKeyColumn derives "customer_id" from "customer" or "customers".
func foreignKeyColumn(name string) string {
	return inflection.Singular(strings.ToLower(name)) + "_id"
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

func parseFetch(raw string) (FetchMode, error) {
	switch strings.ToLower(raw) {
	case "":
		return FetchDefault, nil
	case "join":
		return FetchJoin, nil
	case "select":
		return FetchSelect, nil
	default:
		return FetchDefault, fmt.Errorf("unknown fetch mode %q", raw)
	}
}

func parseNotFound(raw string) (NotFoundAction, error) {
	switch strings.ToLower(raw) {
	case "", "exception":
		return NotFoundException, nil
	case "ignore":
		return NotFoundIgnore, nil
	default:
		return NotFoundException, fmt.Errorf("unknown not_found action %q", raw)
	}
}

func parseCollectionKind(raw string) (CollectionKind, error) {
	switch strings.ToLower(raw) {
	case "", "bag":
		return Bag, nil
	case "idbag":
		return IdBag, nil
	case "set":
		return Set, nil
	case "list":
		return List, nil
	case "map":
		return Map, nil
	case "array":
		return Array, nil
	default:
		return Bag, fmt.Errorf("unknown collection kind %q", raw)
	}
}
