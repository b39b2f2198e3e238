// Package vad provides amplitude-threshold Voice Activity Detection.
// Each buffer is classified independently from its RMS level and peak
// relative to the calibrated noise floor; no hysteresis or temporal
// smoothing is applied.
package vad
