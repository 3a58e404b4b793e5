package gpu

import (
	"errors"

	"github.com/gekko3d/minipt/meshrt/rt/core"
)

var (
	// Geometry validation, run before any device build.
	ErrIndexOutOfRange = core.ErrIndexOutOfRange
	ErrEmptyGeometry   = core.ErrEmptyMesh
	ErrBadStride       = errors.New("gpu: geometry stride mismatch")

	ErrBuildRejected     = errors.New("gpu: acceleration structure build rejected")
	ErrInterfaceMismatch = errors.New("gpu: kernel interface does not match binding schema")
	ErrInvalidState      = errors.New("gpu: operation invalid in current state")
	ErrNotComplete       = errors.New("gpu: dispatch has not completed")
	ErrDeviceLost        = errors.New("gpu: device lost")
	ErrDestroyed         = errors.New("gpu: resource used after destroy")
	ErrNotMappable       = errors.New("gpu: buffer is not host visible")
	ErrLimitExceeded     = errors.New("gpu: device limit exceeded")
)
