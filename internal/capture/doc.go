// Package capture drives a headless browser against live sandboxes and
// extracts verifiable screenshots of their state.
//
// The Driver handles one browser session end-to-end: navigation, the
// shared-credential login, trust-dialog dismissal through an ordered
// detector chain, and a bounded content-verification pass that makes sure
// something meaningful is on screen before the frame is taken. The
// Service wraps a Driver attempt with encoding, persistence, and metrics,
// and caps concurrent attempts with a worker semaphore.
//
// Two browser paths exist: a shared warm headless engine for sandbox
// frames, and a fresh visible instance per desktop capture because the
// display-sharing permission grant is interactive and cannot be pooled.
package capture
