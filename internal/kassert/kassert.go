// Package kassert implements the kernel's fatal assertion path.
//
// A failed assertion means a defect somewhere else in the kernel, never a
// condition a user program can trigger. Assertions panic with a *Violation so
// that the failure halts the caller instead of being turned into an error.
package kassert

import "fmt"

// Violation is the panic value of a failed assertion.
type Violation struct {
	Msg string
}

func (v *Violation) Error() string {
	return "kernel assertion failed: " + v.Msg
}

// That panics with a Violation if cond is false.
func That(cond bool, format string, args ...any) {
	if !cond {
		Fail(format, args...)
	}
}

// Fail panics with a Violation unconditionally.
func Fail(format string, args ...any) {
	panic(&Violation{Msg: fmt.Sprintf(format, args...)})
}

// Recovered reports whether a value obtained from recover is a Violation.
// Only tests have a reason to call it.
func Recovered(r any) (*Violation, bool) {
	v, ok := r.(*Violation)
	return v, ok
}
