package checkpoint

import (
	"golang.org/x/sys/unix"
)

// withSignalsBlocked runs fn with SIGINT and SIGTERM blocked on the
// calling OS thread, restoring the previous signal mask afterwards. The
// commit log's atomic rewrite (temp file write + rename) must not be
// interrupted mid-sequence by a termination signal's default Go runtime
// handling, since a commit torn between "temp file written" and "renamed
// into place" would leave the previous, still-valid commit log behind —
// which is safe — but an interrupted AtomicWriter.Write could in principle
// leave a partially-written temp file if the process exits between steps.
// Blocking signals for the duration of the call closes that window.
func withSignalsBlocked(fn func() error) error {
	var set unix.Sigset_t
	set.Val[0] |= 1 << (uint(unix.SIGINT) - 1)
	set.Val[0] |= 1 << (uint(unix.SIGTERM) - 1)

	var oldSet unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &oldSet); err != nil {
		return fn()
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &oldSet, nil)

	return fn()
}
