package docker

import "github.com/containerd/errdefs"

// IsNotFound reports whether err is the engine's not-found error, for any
// resource kind (container, image, exec instance).
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

// IsConflict reports whether err is the engine's conflict error, e.g. a
// container name already in use.
func IsConflict(err error) bool {
	return errdefs.IsConflict(err)
}
