// Package executor compiles and runs wapp guests in WebAssembly
// sandboxes.
//
// # Overview
//
// The executor manages wasm compilation and its cache; each loaded
// package becomes a session with its own runtime, memory, and frame
// state. Sessions advance one tick at a time: pending resize, queued
// input, the guest's update, then the frame present.
//
// # Basic Usage
//
//	exec, err := executor.New(executor.WithDiskCache())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer exec.Close()
//
//	session, err := exec.Load(ctx, pkg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer session.Close()
//
//	for {
//	    frame, err := session.Tick(ctx)
//	    ...
//	}
//
// # Failure Model
//
// A guest trap is terminal: the session faults, the trap surfaces once
// as a [*TrapError], and every later call reports [ErrFaulted]. A guest
// that exits with code zero stops the session cleanly; that and Close
// both surface as [ErrClosed]. Out-of-bounds frames are the one
// recoverable failure: the tick's frame is dropped and the session
// keeps running.
//
// # Capabilities
//
// Guests get the publish_frame import and a fixed WASI subset: clocks
// and random. There are no options for filesystem, network, or
// environment access. [WithDeterministic] replaces the clocks and
// randomness with reproducible sources for replays and tests.
package executor
