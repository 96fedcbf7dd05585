// Package trigger defines the dispatcher contract shared by all event
// sources and the pieces every dispatcher reuses: the Invoker (the
// bind → instantiate → invoke → record tail of each event) and the
// Limiter (bounded in-flight concurrency with a bounded wait queue).
//
// Concrete dispatchers live in subpackages, one per event-source type:
// http, redis and cron. The set is closed; new source types are added as
// subpackages implementing Dispatcher, not loaded as plugins.
package trigger
