// Package aec provides acoustic echo cancellation using a Normalized
// Least Mean Squares (NLMS) adaptive filter. The canceller consumes the
// captured near-end signal together with the far-end playback reference
// and subtracts the estimated echo; the filter coefficients adapt
// continuously and persist across buffers within a session.
package aec
