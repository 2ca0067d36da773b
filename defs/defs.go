// Package defs holds the error-kind and diagnostic types shared by every
// subsystem, mirroring how the teacher kernel's defs package centralizes
// device ids and error codes for the rest of the tree.
package defs

import (
	"fmt"
	"os"
	"runtime"
)

// Err_t is a kernel error kind. The zero value means success; a positive
// value names a kind, returned as-is (unlike the teacher's negated
// "return -defs.EFAULT" idiom, which this module has no use for since it
// never multiplexes an error kind and a byte count through a single
// return value the way a syscall return register does).
type Err_t int

const (
	EFAULT       Err_t = 1 /// bad user/backing-store address
	ENOMEM       Err_t = 2 /// no free frame or swap slot
	EINVAL       Err_t = 3 /// malformed argument
	ENOSPC       Err_t = 4 /// backing store exhausted
	EBUSY        Err_t = 5 /// resource held by another party
	ENAMETOOLONG Err_t = 6 /// string exceeded caller's buffer
	EIO          Err_t = 7 /// short or failed device read/write
)

func (e Err_t) String() string {
	switch e {
	case 0:
		return "ok"
	case EFAULT:
		return "EFAULT"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case ENOSPC:
		return "ENOSPC"
	case EBUSY:
		return "EBUSY"
	case ENAMETOOLONG:
		return "ENAMETOOLONG"
	case EIO:
		return "EIO"
	default:
		return fmt.Sprintf("Err_t(%d)", int(e))
	}
}

// Tid_t identifies the kernel thread driving a fault or a syscall, the way
// the teacher's defs.Tid_t names the owner of a Tnote_t.
type Tid_t int

// Diag is where process-fatal diagnostics and kernel panics are written.
// Tests may point it at another *os.File; production code leaves it as
// os.Stderr.
var Diag = os.Stderr

// ProcessFatal prints "<name>: exit(-1): <reason>" and returns the status a
// waiting parent should observe. It does not terminate the process
// itself -- the caller's goroutine unwinds and a supervisor collects
// the status, a cooperative-termination model rather than os.Exit.
func ProcessFatal(name string, reason string) int {
	fmt.Fprintf(Diag, "%s: exit(-1): %s\n", name, reason)
	return -1
}

// Panicf aborts the kernel via Go's panic primitive for conditions that
// cannot be attributed to any one process (corrupted on-disk metadata,
// a violated internal invariant). Before panicking it dumps the
// immediate caller so a postmortem can tell which subsystem hit the
// unrecoverable condition -- the same purpose the teacher's
// caller.Callerdump serves, built here on nothing but runtime.Caller
// (plain standard library, unlike the custom runtime.Gptr/Rdtsc hooks
// the teacher relies on elsewhere).
func Panicf(format string, args ...interface{}) {
	_, file, line, ok := runtime.Caller(1)
	msg := fmt.Sprintf(format, args...)
	if ok {
		panic(fmt.Sprintf("%s:%d: %s", file, line, msg))
	}
	panic(msg)
}
