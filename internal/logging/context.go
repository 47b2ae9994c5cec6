// Package logging configures slog for taskpilot: per-context attributes,
// a colored text handler for terminals, and chi request logging.
package logging

import (
	"context"
	"maps"
	"sync"
)

// ErrorKey is the attribute key under which AddError stores an error.
const ErrorKey = "error"

type attrBag struct {
	mu    sync.RWMutex
	attrs map[string]any
}

type attrBagKey struct{}

// ContextWithAttributes returns ctx carrying an empty, mutable attribute bag.
// Attributes added later are appended to every record logged with ctx.
// Values inherited from a parent bag are copied so children never write back.
func ContextWithAttributes(ctx context.Context) context.Context {
	bag := &attrBag{attrs: make(map[string]any)}
	if parent, ok := ctx.Value(attrBagKey{}).(*attrBag); ok {
		parent.mu.RLock()
		maps.Copy(bag.attrs, parent.attrs)
		parent.mu.RUnlock()
	}
	return context.WithValue(ctx, attrBagKey{}, bag)
}

// AddAttribute sets key on the bag carried by ctx. No-op without a bag.
func AddAttribute(ctx context.Context, key string, value any) {
	bag, ok := ctx.Value(attrBagKey{}).(*attrBag)
	if !ok {
		return
	}
	bag.mu.Lock()
	defer bag.mu.Unlock()
	bag.attrs[key] = value
}

// AddAttributes merges attrs into the bag carried by ctx.
func AddAttributes(ctx context.Context, attrs map[string]any) {
	bag, ok := ctx.Value(attrBagKey{}).(*attrBag)
	if !ok {
		return
	}
	bag.mu.Lock()
	defer bag.mu.Unlock()
	maps.Copy(bag.attrs, attrs)
}

// AddError records err under ErrorKey.
func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorKey, err)
}

// Attributes returns a copy of the bag carried by ctx.
func Attributes(ctx context.Context) map[string]any {
	bag, ok := ctx.Value(attrBagKey{}).(*attrBag)
	if !ok {
		return nil
	}
	bag.mu.RLock()
	defer bag.mu.RUnlock()
	return maps.Clone(bag.attrs)
}
