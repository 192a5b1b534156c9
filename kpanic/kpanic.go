// Package kpanic models the kernel-wide, never-returning panic
// primitive spec.md §9 calls out as one of the two non-returning
// exits (the other is kthread_exit, local to proc.Thread_t). A target
// language without exceptions marks these unreachable-after-return;
// in Go that is simply a function whose only exit is panic.
package kpanic

import "fmt"

// Panic reports an invariant violation and never returns. Reserved
// for programmer errors (double-exit of a thread, lock-discipline
// violations, corrupt on-disk structures) — never for ordinary,
// recoverable error conditions, which return a defs.Err_t instead.
func Panic(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
