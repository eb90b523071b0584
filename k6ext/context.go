// Package k6ext holds the helpers bridging the web client with k6 core.
package k6ext

import (
	"context"

	k6modules "go.k6.io/k6/js/modules"
)

type ctxKey int

const ctxKeyVU ctxKey = iota

// WithVU returns a new context based on ctx with the k6 VU instance attached.
func WithVU(ctx context.Context, vu k6modules.VU) context.Context {
	return context.WithValue(ctx, ctxKeyVU, vu)
}

// GetVU returns the attached k6 VU instance from ctx, or nil.
func GetVU(ctx context.Context) k6modules.VU {
	v, _ := ctx.Value(ctxKeyVU).(k6modules.VU)
	return v
}
