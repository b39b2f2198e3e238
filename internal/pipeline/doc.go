// Package pipeline wires capture, preprocessing, metrics, voice
// activity detection, echo cancellation, and format conversion into a
// controlled session. The Controller owns the session lifecycle state
// machine and delivers processed chunks, per-buffer metrics, and
// recoverable errors through callbacks.
package pipeline
