// Package planner compiles a load shape into a single SELECT statement. It
// runs the join walk, assigns column alias suffixes to every entity and
// collection slot, and renders the joins, key restriction, ordering and lock
// clause with squirrel. The result is an immutable CompiledQuery shared by
// every execution of that shape.
package planner

import (
	"errors"
	"fmt"

	"joinfetch/internal/mapping"
	"joinfetch/internal/session"
	"joinfetch/internal/sqlutil"
	"joinfetch/internal/walker"
)

// CompiledQuery is the compiled form of one load shape.
type CompiledQuery struct {
	SQL       string
	Shape     walker.Shape
	RootAlias string
	Edges     []walker.Edge
	Layout    *RowLayout
	Params    ParameterMetadata
	// QuerySpaces are the tables read by the statement, sorted.
	QuerySpaces []string
	Lock        session.LockOptions
	// FollowOnLock asks the caller to lock loaded entities after the rows
	// were read because the statement carries no lock clause.
	FollowOnLock bool
	Dialect      sqlutil.Dialect
	Cost         PlanCost
}

// HasCollectionFetch reports whether one logical result may span several
// rows.
func (q *CompiledQuery) HasCollectionFetch() bool {
	return q.Layout != nil && len(q.Layout.Collections) > 0
}

type options struct {
	where            string
	orderBy          string
	lock             *session.LockOptions
	dialect          sqlutil.Dialect
	overrides        AliasOverrides
	noKeyRestriction bool
	limits           *PlanLimits
}

func (o *options) lockOptions(shape walker.Shape) session.LockOptions {
	if o.lock != nil {
		return *o.lock
	}
	return shape.Lock
}

// Option customizes compilation.
type Option func(*options)

// WithWhere ANDs a caller condition into the where clause. {alias} refers to
// the root table; ":name" and "?" parameters are recorded in the metadata.
func WithWhere(fragment string) Option {
	return func(o *options) {
		o.where = fragment
	}
}

// WithOrderBy sets the caller ordering. {alias} refers to the root table.
func WithOrderBy(fragment string) Option {
	return func(o *options) {
		o.orderBy = fragment
	}
}

// WithLock overrides the lock options of the shape.
func WithLock(lock session.LockOptions) Option {
	return func(o *options) {
		o.lock = &lock
	}
}

// WithDialect selects the SQL dialect. MySQL is the default.
func WithDialect(d sqlutil.Dialect) Option {
	return func(o *options) {
		o.dialect = d
	}
}

// WithAliases supplies column alias overrides.
func WithAliases(overrides AliasOverrides) Option {
	return func(o *options) {
		o.overrides = overrides
	}
}

// WithoutKeyRestriction drops the identifier restriction so the statement
// selects every root row matching the caller condition.
func WithoutKeyRestriction() Option {
	return func(o *options) {
		o.noKeyRestriction = true
	}
}

// WithLimits rejects shapes whose compiled statement exceeds limits.
func WithLimits(limits PlanLimits) Option {
	return func(o *options) {
		o.limits = &limits
	}
}

func newOptions(opts []Option) *options {
	o := &options{dialect: sqlutil.MySQL}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Compile walks the associations of shape and assembles its statement.
// Mapping errors are returned before any SQL is produced.
func Compile(model *mapping.Metamodel, shape walker.Shape, opts ...Option) (*CompiledQuery, error) {
	if model == nil {
		return nil, errors.New("metamodel is required")
	}
	o := newOptions(opts)

	edges, err := walker.Walk(model, shape)
	if err != nil {
		return nil, err
	}
	if err := checkCollectionFetches(shape, edges); err != nil {
		return nil, err
	}

	rootAlias := walker.RootAlias(shape)
	layout := buildLayout(shape, rootAlias, edges, o.overrides)
	cost := estimateCost(edges, layout)
	if o.limits != nil {
		if err := validateLimits(cost, *o.limits); err != nil {
			return nil, err
		}
	}

	a := &assembler{
		shape:     shape,
		rootAlias: rootAlias,
		edges:     edges,
		layout:    layout,
		dialect:   o.dialect,
		opts:      o,
	}
	sql, err := a.build()
	if err != nil {
		return nil, fmt.Errorf("failed to assemble statement for %s: %w", shape.Name(), err)
	}

	lock := o.lockOptions(shape)
	return &CompiledQuery{
		SQL:          sql,
		Shape:        shape,
		RootAlias:    rootAlias,
		Edges:        edges,
		Layout:       layout,
		Params:       a.params.metadata(),
		QuerySpaces:  a.querySpaces(),
		Lock:         lock,
		FollowOnLock: lock.FollowOn && lock.Mode != session.LockNone,
		Dialect:      o.dialect,
		Cost:         cost,
	}, nil
}
