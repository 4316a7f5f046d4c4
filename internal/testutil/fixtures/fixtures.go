// Package fixtures provides mapping documents shared by package tests.
package fixtures

import (
	"strings"
	"testing"

	"joinfetch/internal/mapping"
)

// ReferenceTarget is a root R with an eager, nullable many-to-one to T.
const ReferenceTarget = `
entities:
  - name: R
    table: r
    id: {column: id}
    properties:
      - name: name
      - name: t
        many_to_one: T
        column: t_id
        fetch: join
  - name: T
    table: t
    id: {column: id}
    properties:
      - name: name
`

// ReferenceTargetIgnore is ReferenceTarget with a not-found ignore policy.
const ReferenceTargetIgnore = `
entities:
  - name: R
    table: r
    id: {column: id}
    properties:
      - name: name
      - name: t
        many_to_one: T
        column: t_id
        fetch: join
        not_found: ignore
  - name: T
    table: t
    id: {column: id}
    properties:
      - name: name
`

// Shop is a richer model covering components, collections, many-to-many
// links, versioning and single-table inheritance.
const Shop = `
entities:
  - name: Country
    table: countries
    id: {column: id}
    immutable: true
    cache_reference: true
    natural_id: {properties: [code]}
    properties:
      - name: code
      - name: name

  - name: Customer
    table: customers
    id: {column: id}
    version: {property: version, column: version}
    proxy: true
    properties:
      - name: name
      - name: version
      - name: address
        component:
          - name: street
          - name: city
          - name: country
            many_to_one: Country
            column: country_id
            fetch: join
      - name: orders
        collection:
          kind: bag
          one_to_many: Order
          key: [customer_id]

  - name: Order
    table: orders
    id: {column: id}
    properties:
      - name: code
      - name: customer
        many_to_one: Customer
        column: customer_id
        fetch: join
        nullable: false
      - name: lines
        fetch: join
        collection:
          kind: list
          one_to_many: OrderLine
          key: [order_id]
          index: [position]
          order_by: "{alias}.position asc"
      - name: tags
        collection:
          kind: set
          table: order_tags
          key: [order_id]
          many_to_many: Tag
          element_columns: [tag_id]
          many_to_many_order_by: "{alias}.label asc"

  - name: OrderLine
    table: order_lines
    id: {column: id}
    properties:
      - name: position
      - name: quantity
      - name: order
        many_to_one: Order
        column: order_id
      - name: product
        many_to_one: Product
        column: product_id
        fetch: join

  - name: Product
    table: products
    id: {column: id}
    discriminator: {column: kind, value: P}
    properties:
      - name: title
  - name: DigitalProduct
    extends: Product
    discriminator: {value: D}
    properties:
      - name: url

  - name: Tag
    table: tags
    id: {column: id}
    properties:
      - name: label
`

// Employee is a self-referencing entity with an eager join.
const Employee = `
entities:
  - name: Employee
    table: employees
    id: {column: id}
    properties:
      - name: name
      - name: manager
        many_to_one: Employee
        column: manager_id
        fetch: join
      - name: mentor
        many_to_one: Employee
        column: mentor_id
        fetch: join
`

// MustMetamodel loads doc or fails the test.
func MustMetamodel(t testing.TB, doc string) *mapping.Metamodel {
	t.Helper()
	m, err := mapping.LoadYAML(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("failed to load mapping fixture: %v", err)
	}
	return m
}

// MustEntity loads doc and returns the named entity.
func MustEntity(t testing.TB, doc, name string) (*mapping.Metamodel, *mapping.EntityDescriptor) {
	t.Helper()
	m := MustMetamodel(t, doc)
	e, err := m.Entity(name)
	if err != nil {
		t.Fatalf("fixture has no entity %s: %v", name, err)
	}
	return m, e
}
