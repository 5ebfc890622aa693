package storage

import (
	"github.com/sirupsen/logrus"
)

const (
	gib = uint64(1) << 30
	mib = uint64(1) << 20

	// probePath is the scratch file used to measure free space.
	probePath = ".calibresync/.free_space_probe"

	// probeFloor is reported when every candidate allocation fails.
	probeFloor = 64 * mib
)

// probeSizes are tried largest first; the first successful
// preallocation is reported as available space.
var probeSizes = []uint64{
	256 * gib, 128 * gib, 64 * gib, 32 * gib, 16 * gib,
	8 * gib, 4 * gib, 2 * gib, 1 * gib,
	512 * mib, 256 * mib, 128 * mib, 64 * mib,
}

// FreeSpace approximates available bytes by preallocating a scratch
// file at successively smaller candidate sizes until one fits. The
// storage stack exposes no capacity query, so this measured answer is
// what the FREE_SPACE reply reports. It is an approximation and is
// documented as such.
func (s *OSStorage) FreeSpace() uint64 {
	if err := s.MkdirAll(".calibresync"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FreeSpace",
			"error":    err.Error(),
		}).Warn("Free space probe: cannot create scratch dir")
		return probeFloor
	}

	f, err := s.OpenWrite(probePath)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "FreeSpace",
			"error":    err.Error(),
		}).Warn("Free space probe: cannot create scratch file")
		return probeFloor
	}

	available := probeFloor
	for _, size := range probeSizes {
		if f.Preallocate(int64(size)) {
			available = size
			// Release the allocation before reporting.
			_ = f.Truncate(0)
			break
		}
	}

	_ = f.Close()
	_ = s.Remove(probePath)

	logrus.WithFields(logrus.Fields{
		"function":  "FreeSpace",
		"available": available,
	}).Info("Free space probe complete")

	return available
}
