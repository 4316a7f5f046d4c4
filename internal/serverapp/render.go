package serverapp

import (
	"fmt"
	"time"

	"joinfetch/internal/mapping"
	"joinfetch/internal/session"
)

// renderGraph converts a loaded entity graph into JSON-ready values. Each
// entity is expanded once; later occurrences, and references that were not
// loaded, render as {"$ref": "Entity#id"}. Collections that were not
// initialized render as null.
func renderGraph(root *session.Object) any {
	return renderObject(root, make(map[session.EntityKey]bool))
}

func renderObject(obj *session.Object, seen map[session.EntityKey]bool) any {
	if obj == nil {
		return nil
	}
	if !obj.IsInitialized() || seen[obj.Key] {
		return map[string]any{"$ref": refOf(obj)}
	}
	seen[obj.Key] = true

	out := map[string]any{
		"$entity": obj.Entity.Name,
		"$id":     renderScalar(obj.ID),
	}
	for _, name := range obj.Properties() {
		v, _ := obj.Get(name)
		out[name] = renderValue(v, seen)
	}
	return out
}

func renderValue(v any, seen map[session.EntityKey]bool) any {
	switch x := v.(type) {
	case *session.Object:
		return renderObject(x, seen)
	case *session.Collection:
		return renderCollection(x, seen)
	default:
		return renderScalar(v)
	}
}

func renderCollection(c *session.Collection, seen map[session.EntityKey]bool) any {
	if c == nil || !c.IsInitialized() {
		return nil
	}
	elements := c.Elements()
	if c.Descriptor != nil && c.Descriptor.Kind == mapping.Map {
		indexes := c.Indexes()
		out := make(map[string]any, len(elements))
		for i, e := range elements {
			out[fmt.Sprint(renderScalar(indexes[i]))] = renderValue(e, seen)
		}
		return out
	}
	out := make([]any, 0, len(elements))
	for _, e := range elements {
		out = append(out, renderValue(e, seen))
	}
	return out
}

func renderScalar(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []any:
		parts := make([]any, len(x))
		for i, p := range x {
			parts[i] = renderScalar(p)
		}
		return parts
	default:
		return v
	}
}

func refOf(obj *session.Object) string {
	return obj.Entity.Name + "#" + fmt.Sprint(renderScalar(obj.ID))
}
