package assert

import (
	"fmt"
	"path/filepath"
	"runtime"
)

func fail(args []any) {
	// skip fail and the exported caller
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file = "unknown"
		line = 0
	}
	filename := filepath.Base(file)

	if len(args) == 0 {
		panic(fmt.Sprintf("Assertion failed at %s:%d\n", filename, line))
	}

	format, isString := args[0].(string)
	if !isString {
		format = fmt.Sprint(args[0])
	}
	message := fmt.Sprintf(format, args[1:]...)
	panic(fmt.Sprintf("Assertion failed: %s at %s:%d\n", message, filename, line))
}

// Assert panics with the caller's position when condition is false. The
// optional args are a format string followed by its operands.
func Assert(condition bool, args ...any) {
	if condition {
		return
	}
	fail(args)
}

func NoError(err error) {
	if err == nil {
		return
	}
	fail([]any{"expected no error, got: %v", err})
}

// Unreachable marks a branch that a well-formed program never takes.
func Unreachable(args ...any) {
	fail(args)
}
