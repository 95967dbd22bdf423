// Package wire defines the serializable control-channel types exchanged with
// the transaction engine: transaction requests, embedded object descriptors,
// looper commands, and asynchronous death events.
//
// The types here are plain data with no behavior beyond validation, so the
// HTTP surface and the engine share one vocabulary without depending on each
// other's internals. JSON encoding goes through sonic.
package wire
