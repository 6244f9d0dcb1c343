// Command server runs the codeproctor service: it provisions per-user
// development sandboxes, drives automated screenshot capture against
// them, and enforces time-boxed work sessions over HTTP and WebSocket.
package main
