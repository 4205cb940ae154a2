// Package proc spawns and supervises a child process and exposes its stdio
// streams, signal delivery, IPC channel and lifecycle events through a typed
// Handle.
//
// The host does the real work: os/exec and the kernel create the process,
// plumb its descriptors and deliver signals. This package maps that onto a
// small surface: Spawn returns at once, control operations never block, and
// every outcome is reported to callbacks registered with OnExit, OnClose,
// OnDisconnect, OnMessage and OnError. Callbacks run one at a time on an
// eventloop.Loop in the order events happened: exit always precedes close.
//
// Operational failures (the executable does not exist, a signal could not be
// delivered) arrive on OnError as *Error values. The child's own exit status
// is data delivered to OnExit and OnClose, never an error.
//
// Only Unix-like hosts are supported. Process-group signalling in Stop relies
// on the child leading its own session, which is the case for detached
// children only; for attached children Stop signals the direct child and any
// grandchildren must be cleaned up by the caller.
package proc
