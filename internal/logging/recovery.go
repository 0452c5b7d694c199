package logging

import (
	"fmt"
	"runtime/debug"
)

// PanicError is what Guard returns when fn panicked.
type PanicError struct {
	Component string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Component, e.Value)
}

// Guard runs fn and converts a panic into a logged *PanicError. Ordinary
// errors from fn pass through untouched.
func Guard(component string, fn func() error) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		pe := &PanicError{Component: component, Value: rec, Stack: string(debug.Stack())}
		New(component).Error("panic_recovered", map[string]any{"stack": pe.Stack}, pe)
		err = pe
	}()
	return fn()
}
