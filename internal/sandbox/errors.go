package sandbox

import (
	"errors"

	"github.com/dop251/goja"

	"github.com/GriffinCanCode/scriptpool/internal/shared/plainerr"
)

// toPlainError projects an error returned by the runtime onto the wire format.
// Thrown JS values keep their name, message, and stack.
func toPlainError(err error) *plainerr.Error {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		pe := thrownToPlain(ex.Value())
		if pe.Stack == "" {
			pe.Stack = ex.String()
		}
		return pe
	}
	return plainerr.From(err)
}

// thrownToPlain converts a thrown or rejected JS value.
func thrownToPlain(v goja.Value) *plainerr.Error {
	if v == nil || goja.IsUndefined(v) {
		return &plainerr.Error{Name: plainerr.NameUnknown, Message: "undefined"}
	}
	if goja.IsNull(v) {
		return &plainerr.Error{Name: plainerr.NameUnknown, Message: "null"}
	}

	if obj, ok := v.(*goja.Object); ok {
		name, message := obj.Get("name"), obj.Get("message")
		if defined(name) || defined(message) {
			pe := &plainerr.Error{Name: valueString(name), Message: valueString(message)}
			if stack := obj.Get("stack"); defined(stack) {
				pe.Stack = stack.String()
			}
			return pe
		}
	}
	return &plainerr.Error{Name: plainerr.NameUnknown, Message: v.String()}
}

// rethrow turns a Go error into a JS exception value, preserving JS exceptions
// that merely passed through Go.
func rethrow(vm *goja.Runtime, err error) goja.Value {
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return newError(vm, "Error", err.Error())
}

// newError constructs an error object with the given name. Names without a
// global constructor (DataCloneError, AbortError) get a plain Error with name set.
func newError(vm *goja.Runtime, name, message string) goja.Value {
	ctor := vm.Get(name)
	if !defined(ctor) {
		ctor = vm.Get("Error")
	}
	obj, err := vm.New(ctor, vm.ToValue(message))
	if err != nil {
		return vm.NewGoError(errors.New(message))
	}
	if valueString(obj.Get("name")) != name {
		_ = obj.Set("name", name)
	}
	return obj
}

func defined(v goja.Value) bool {
	return v != nil && !goja.IsUndefined(v) && !goja.IsNull(v)
}

func valueString(v goja.Value) string {
	if !defined(v) {
		return ""
	}
	return v.String()
}
