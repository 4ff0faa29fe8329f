package runtime

import "sync/atomic"

// Tracker counts device resources held by a runtime so tests and the doctor
// can observe leaks. All methods are safe for concurrent use.
type Tracker struct {
	engines  atomic.Int64
	contexts atomic.Int64
	bytes    atomic.Int64
}

// Stats is a point-in-time copy of a Tracker.
type Stats struct {
	LiveEngines  int64
	LiveContexts int64
	DeviceBytes  int64
}

func (t *Tracker) Stats() Stats {
	return Stats{
		LiveEngines:  t.engines.Load(),
		LiveContexts: t.contexts.Load(),
		DeviceBytes:  t.bytes.Load(),
	}
}

func (t *Tracker) AcquireEngine(bytes int64) {
	t.engines.Add(1)
	t.bytes.Add(bytes)
}

func (t *Tracker) ReleaseEngine(bytes int64) {
	t.engines.Add(-1)
	t.bytes.Add(-bytes)
}

func (t *Tracker) AcquireContext(bytes int64) {
	t.contexts.Add(1)
	t.bytes.Add(bytes)
}

func (t *Tracker) ReleaseContext(bytes int64) {
	t.contexts.Add(-1)
	t.bytes.Add(-bytes)
}

// Grow accounts for extra bytes held by a live context.
func (t *Tracker) Grow(bytes int64) {
	t.bytes.Add(bytes)
}

// Idle reports whether nothing is held.
func (s Stats) Idle() bool {
	return s.LiveEngines == 0 && s.LiveContexts == 0 && s.DeviceBytes == 0
}
