//////////////////////////////////////////////////////////////////////////////
//
// Camera errors
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package camera

import "github.com/pkg/errors"

var (
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrOutOfMemory      = errors.New("out of memory")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrNotFound         = errors.New("not found")
	ErrState            = errors.New("invalid state")
)
