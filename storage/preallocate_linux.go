//go:build linux

package storage

import "golang.org/x/sys/unix"

// Preallocate reserves size bytes with fallocate, so a refusal means
// the medium genuinely lacks the room rather than deferring the
// failure to write time.
func (o *osFile) Preallocate(size int64) bool {
	return unix.Fallocate(int(o.f.Fd()), 0, 0, size) == nil
}
