// Package platform defines the contract every isolation backend
// implements and the types passed across it. Most users should use the
// top-level srt package, which selects a backend and drives its lifecycle.
// Import this package directly only to inspect a backend or to implement
// a custom one.
package platform
