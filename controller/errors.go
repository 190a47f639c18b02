package controller

import "errors"

// Error kind sentinels for every top-level failure category named in §7
// that does not already have a home in a lower package (config.ErrConfiguration
// and statedir.ErrResourceExceeded cover their own kinds).
var (
	ErrFabric      = errors.New("fabric error")
	ErrSupervisor  = errors.New("supervisor error")
	ErrIntegration = errors.New("integration error")
	ErrInterrupted = errors.New("interrupted")
)
