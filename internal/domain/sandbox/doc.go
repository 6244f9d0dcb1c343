// Package sandbox provisions and tears down per-user development
// sandboxes via the container runtime.
//
// The Registry is the single source of truth for what is running. The
// Manager serializes lifecycle operations per owner and enforces the one
// running sandbox per owner policy: creating a sandbox first tears down
// anything the owner already has. Records are mirrored into a SQLite
// store so a restarted process can sweep orphaned instances.
package sandbox
