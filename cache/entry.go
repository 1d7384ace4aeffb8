package cache

import "math"

// FrameNever is the frame stamp of an entry whose creation failed.
// Such entries are always stale for garbage collection.
const FrameNever uint64 = math.MaxUint64

// Status is the lifecycle state of a cached object.
type Status uint8

const (
	// StatusNone means creation was never requested.
	StatusNone Status = iota
	// StatusRequested means creation is in flight.
	StatusRequested
	// StatusFailed means creation failed. The key is never retried.
	StatusFailed
	// StatusInstalled means the object exists and is referenced by at least
	// one installer.
	StatusInstalled
	// StatusUninstalled means the object exists but every installer has
	// released it. It stays alive until garbage collection.
	StatusUninstalled
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusRequested:
		return "Requested"
	case StatusFailed:
		return "Failed"
	case StatusInstalled:
		return "Installed"
	case StatusUninstalled:
		return "Uninstalled"
	default:
		return "Unknown"
	}
}

// entry is the authoritative record for one key.
// All fields are guarded by the owning shard's mutex.
type entry[V any] struct {
	value   V
	err     error
	frame   uint64
	keyRefs uint32
	objRefs uint32
	status  Status
	removed bool
}

// created reports whether the entry holds a successfully created object.
func (e *entry[V]) created() bool {
	return e.status == StatusInstalled || e.status == StatusUninstalled
}

// touch advances the frame stamp to frame. Stamps never move backward and a
// failed entry stays pinned to FrameNever.
func (e *entry[V]) touch(frame uint64) {
	if e.frame == FrameNever {
		return
	}
	if frame > e.frame {
		e.frame = frame
	}
}

// release applies the grace stamp after the last reference of either kind is
// dropped during frame current: the entry survives a collection at
// current+1 and becomes eligible at current+2.
func (e *entry[V]) release(current uint64) {
	e.touch(current + 1)
}

// succeed commits a successful creation.
func (e *entry[V]) succeed(value V, current uint64) {
	e.value = value
	e.err = nil
	if e.objRefs > 0 {
		e.status = StatusInstalled
	} else {
		e.status = StatusUninstalled
	}
	e.touch(current)
}

// fail commits a failed creation.
func (e *entry[V]) fail(err error) {
	var zero V
	e.value = zero
	e.err = err
	e.status = StatusFailed
	e.frame = FrameNever
}

// stale reports whether the entry is old enough to collect at critical.
func (e *entry[V]) stale(critical uint64) bool {
	return e.frame == FrameNever || e.frame < critical
}

// installStatus maps the entry state to the value returned by Install.
func (e *entry[V]) installStatus() Status {
	switch e.status {
	case StatusInstalled, StatusUninstalled:
		return StatusInstalled
	case StatusFailed:
		return StatusFailed
	default:
		return StatusRequested
	}
}
