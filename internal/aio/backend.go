package aio

import "golang.org/x/sys/unix"

// osBackend performs real fsyncs and closes against open file descriptors.
// Production code uses this; tests substitute a fake.
type osBackend struct{}

// NewOSBackend returns the Backend production code should pass to New.
func NewOSBackend() Backend { return osBackend{} }

func (osBackend) Fsync(fd int) error {
	return unix.Fsync(fd)
}

func (osBackend) Close(fd int) error {
	return unix.Close(fd)
}
