// Package audio handles audio format conversion for the capture pipeline.
// It implements linear-interpolation resampling to the transcription target
// rate, multi-channel downmixing, float32 to PCM-16 packing, and encoding to
// the minimal uncompressed WAV container handed to downstream collaborators.
package audio
