package errors

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic turns a value returned by recover into a fatal ErrInternal
// carrying the stack of the panicking goroutine. A nil value yields nil.
func RecoverPanic(r any) error {
	if r == nil {
		return nil
	}

	cause, ok := r.(error)
	if !ok {
		cause = fmt.Errorf("panic: %v", r)
	}
	return ErrInternal.
		WithMessage(fmt.Sprintf("recovered panic: %v", r)).
		WithCause(cause).
		WithDetail("panic", true).
		WithDetail("stack_trace", string(debug.Stack())).
		AsFatal()
}

// Guard calls fn and reports a panic raised inside it as a RecoverPanic
// error instead of unwinding the caller.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = RecoverPanic(r)
		}
	}()
	return fn()
}
