// Package fs mounts the page filesystem through FUSE.
//
// This file contains the mapping from engine errors to errno values.
package fs

import (
	"errors"
	"syscall"

	"pagefs/internal/engine"
	"pagefs/internal/logging"
)

var (
	errLogger = logging.GetLogger().WithPrefix("error")
)

// errnos maps engine sentinels to the errno FUSE reports. Checked in order.
var errnos = []struct {
	err   error
	errno syscall.Errno
}{
	{engine.ErrNotFound, syscall.ENOENT},
	{engine.ErrAlreadyExists, syscall.EEXIST},
	{engine.ErrNotEmpty, syscall.ENOTEMPTY},
	{engine.ErrIsADirectory, syscall.EISDIR},
	{engine.ErrNotADirectory, syscall.ENOTDIR},
	{engine.ErrInvalidName, syscall.EINVAL},
	{engine.ErrInvalidPage, syscall.EINVAL},
	{engine.ErrOutOfSpace, syscall.ENOSPC},
	{engine.ErrFileTooLarge, syscall.EFBIG},
	{engine.ErrMaxDepthExceeded, syscall.ELOOP},
	{engine.ErrCorruptChain, syscall.EIO},
}

// ToFuseError converts an engine error to the FUSE error code it stands for.
// Anything unrecognised becomes EIO.
func ToFuseError(err error) error {
	if err == nil {
		return nil
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	for _, m := range errnos {
		if errors.Is(err, m.err) {
			errLogger.Trace("Converting %v to %v", err, m.errno)
			return m.errno
		}
	}

	errLogger.Debug("Unknown error type, returning EIO: %v", err)
	return syscall.EIO
}
