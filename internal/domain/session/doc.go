// Package session enforces time-boxed work sessions. An Enforcer runs a
// one-second countdown per active session, fires remaining-time warnings
// once per threshold, schedules periodic captures, and at expiry tears the
// owner's sandbox down after taking a final frame. Completed sessions are
// archived as compressed JSON.
package session
