package docker

import (
	"context"
	"errors"
	"fmt"
	"net"

	cerrdefs "github.com/containerd/errdefs"
)

// The driver's closed error set. Callers branch on these; raw daemon
// errors are wrapped so their text survives for logs but their types don't.
var (
	ErrNotFound      = errors.New("container not found")
	ErrAlreadyExists = errors.New("container already exists")
	ErrCreateFailed  = errors.New("container create failed")
	ErrStartFailed   = errors.New("container start failed")
	ErrStopFailed    = errors.New("container stop failed")
	ErrNetwork       = errors.New("container runtime unreachable")
)

// translate maps a raw runtime error onto the closed set. kind is the
// fallback for unclassifiable failures.
func translate(err, kind error) error {
	if err == nil {
		return nil
	}
	switch {
	case cerrdefs.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case cerrdefs.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case isNetworkErr(err):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	default:
		return fmt.Errorf("%w: %v", kind, err)
	}
}

// isNotModified reports the daemon's "already in desired state" response,
// which start and stop swallow as success.
func isNotModified(err error) bool {
	return cerrdefs.IsNotModified(err)
}

func isNetworkErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
