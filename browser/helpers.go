package browser

import (
	"github.com/dop251/goja"
	"gopkg.in/guregu/null.v3"
)

// exportArg exports the value and returns it.
// It returns nil if the value is undefined or null.
func exportArg(gv goja.Value) any {
	if !gojaValueExists(gv) {
		return nil
	}
	return gv.Export()
}

// nullString returns an invalid null.String for undefined and null
// values, and the string form of the value otherwise.
func nullString(gv goja.Value) null.String {
	if !gojaValueExists(gv) {
		return null.String{}
	}
	return null.StringFrom(gv.String())
}

// gojaValueExists returns true if a given value is not nil and exists
// (defined and not null) in the goja runtime.
func gojaValueExists(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}
