//go:build !linux

package storage

// Preallocate falls back to Truncate where fallocate is unavailable.
// Sparse-file filesystems may over-report, which is acceptable for an
// approximate probe.
func (o *osFile) Preallocate(size int64) bool {
	return o.f.Truncate(size) == nil
}
