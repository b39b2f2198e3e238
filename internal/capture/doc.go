// Package capture provides microphone acquisition through the miniaudio
// bindings. It exposes a Source interface delivering interleaved float32
// buffers so the processing pipeline can also be driven from scripted
// sources in tests.
package capture
