package build

import "go.trai.ch/zerr"

var (
	// ErrBuildFailed wraps every builder failure surfaced to callers.
	ErrBuildFailed = zerr.New("module build failed")
	// ErrCapacityExceeded is returned when a never-seen layer key would exceed MaxLayerEntries.
	ErrCapacityExceeded = zerr.New("layer cache capacity exceeded")
	// ErrModuleNotFound is returned for module ids that are not configured.
	ErrModuleNotFound = zerr.New("module not found")
	// ErrDuplicateModule is returned when two modules share an id.
	ErrDuplicateModule = zerr.New("duplicate module")
	// ErrEmptyLayer is returned when a layer request names no modules.
	ErrEmptyLayer = zerr.New("layer has no modules")
)
