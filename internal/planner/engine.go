package planner

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"joinfetch/internal/mapping"
	"joinfetch/internal/walker"
)

// DefaultCacheSize is the number of compiled queries an Engine keeps.
const DefaultCacheSize = 256

// Engine compiles shapes against one metamodel and caches the results.
// Concurrent first compilations of the same shape share one walk. It is
// safe for concurrent use.
type Engine struct {
	model *mapping.Metamodel
	opts  []Option
	cache *lru.Cache[string, *CompiledQuery]
	group singleflight.Group

	onCompile func(q *CompiledQuery)
}

// NewEngine returns an Engine applying opts to every compilation.
func NewEngine(model *mapping.Metamodel, size int, opts ...Option) (*Engine, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, *CompiledQuery](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create compile cache: %w", err)
	}
	return &Engine{model: model, opts: opts, cache: cache}, nil
}

// OnCompile registers fn to be called after every fresh compilation. It
// must be set before the engine is shared.
func (e *Engine) OnCompile(fn func(q *CompiledQuery)) {
	e.onCompile = fn
}

func (e *Engine) compile(shape walker.Shape, opts []Option) (*CompiledQuery, error) {
	q, err := Compile(e.model, shape, opts...)
	if err == nil && e.onCompile != nil {
		e.onCompile(q)
	}
	return q, err
}

// Model returns the metamodel the engine compiles against.
func (e *Engine) Model() *mapping.Metamodel {
	return e.model
}

// Compile returns the compiled query for shape, compiling it on first use.
// Shapes carrying closures are compiled every time.
func (e *Engine) Compile(shape walker.Shape, opts ...Option) (*CompiledQuery, error) {
	all := append(append([]Option(nil), e.opts...), opts...)
	key, cacheable := fingerprint(shape, newOptions(all))
	if !cacheable {
		return e.compile(shape, all)
	}
	if q, ok := e.cache.Get(key); ok {
		return q, nil
	}
	v, err, _ := e.group.Do(key, func() (any, error) {
		if q, ok := e.cache.Get(key); ok {
			return q, nil
		}
		q, err := e.compile(shape, all)
		if err != nil {
			return nil, err
		}
		e.cache.Add(key, q)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompiledQuery), nil
}

// Len returns the number of cached compiled queries.
func (e *Engine) Len() int {
	return e.cache.Len()
}

// fingerprint renders every input of a compilation that changes its output.
func fingerprint(shape walker.Shape, o *options) (string, bool) {
	if shape.Policy != nil || shape.TooManyCollections != nil {
		return "", false
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s|d=%d|b=%d|u=%s|lock=%s,%t,%d|single=%t",
		shape.Name(), shape.MaxFetchDepth, shape.BatchSize, strings.Join(shape.UniqueKey, ","),
		shape.Lock.Mode, shape.Lock.FollowOn, shape.Lock.TimeoutMillis, shape.SingleCollectionFetch)
	fmt.Fprintf(&b, "|profiles=%s|filters=%s",
		strings.Join(shape.Influencers.ProfileNames(), ","), strings.Join(shape.Influencers.FilterNames(), ","))
	paths := make([]string, 0, len(shape.Restrictions))
	for p := range shape.Restrictions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(&b, "|r:%s=%s", p, shape.Restrictions[p])
	}

	fmt.Fprintf(&b, "|where=%s|order=%s|dialect=%s|nokey=%t", o.where, o.orderBy, o.dialect.Name, o.noKeyRestriction)
	if o.lock != nil {
		fmt.Fprintf(&b, "|olock=%s,%t,%d", o.lock.Mode, o.lock.FollowOn, o.lock.TimeoutMillis)
	}
	if o.limits != nil {
		fmt.Fprintf(&b, "|limits=%+v", *o.limits)
	}
	if len(o.overrides) > 0 {
		return "", false
	}
	return b.String(), true
}
