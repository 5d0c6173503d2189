package assert

import "fmt"

// Assert panics with the formatted message when cond does not hold.
// It guards invariants whose violation means a programming error.
func Assert(cond bool, msgAndArgs ...any) {
	if cond {
		return
	}

	if len(msgAndArgs) == 0 {
		panic("assertion failed")
	}

	format, ok := msgAndArgs[0].(string)
	if !ok {
		panic(fmt.Sprintf("assertion failed: %v", msgAndArgs...))
	}
	panic("assertion failed: " + fmt.Sprintf(format, msgAndArgs[1:]...))
}

func NoError(err error) {
	if err != nil {
		panic(fmt.Sprintf("unexpected error: %+v", err))
	}
}
