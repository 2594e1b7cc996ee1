package cmn

import "fmt"

// Debug gates invariant assertions the way the teacher's cmn/debug package
// does: compiled out of hot paths in release builds, always-on in tests.
// Flip at init from an env var or build tag in production; tests set it
// directly.
var Debug = false

// Assert panics (in debug builds only) when cond is false. It exists for
// invariants that must never be false if the rest of the package is correct
// (e.g. registry injectivity, health bounds) — not for validating external
// input, which should return a KindInvalid *Error instead.
func Assert(cond bool, msg ...any) {
	if !Debug || cond {
		return
	}
	panic(fmt.Sprint(msg...))
}

func Assertf(cond bool, format string, args ...any) {
	if !Debug || cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}

func AssertNoErr(err error) {
	if !Debug || err == nil {
		return
	}
	panic(err)
}
