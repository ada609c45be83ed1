// Package introspect implements a data-inventory introspection engine for
// security analytics deployments: it discovers which data sources exist by
// orchestrating asynchronous search jobs against a remote search service,
// maps them to standardized event-type categories, validates CIM field
// compliance, estimates event volume, and mirrors all progress into a
// remote key-value store so a session can be paused, resumed, or reloaded
// at any point.
//
// The Engine is an explicit dependency context: it owns the element store,
// the stage registry, the scheduler, the sync writer and the vendor
// matcher, and talks to its host only through narrow adapter interfaces
// (search.Adapter, persist.Adapter) and the Callbacks surface. Multiple
// engines can run side by side; nothing in this module is process-global.
package introspect
