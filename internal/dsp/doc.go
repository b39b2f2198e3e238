// Package dsp implements the per-buffer signal conditioning stages of the
// capture pipeline: DC-removal filtering, adaptive noise gating,
// dynamic-range compression, automatic gain control, RMS/peak/SNR
// measurement with rolling noise floor tracking, and startup noise-floor
// calibration.
package dsp
