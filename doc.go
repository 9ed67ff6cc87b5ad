// Package wapps runs wapp application packages: WebAssembly guests
// bundled with their metadata, rendered frame by frame by a host.
//
// # Overview
//
// A wapp is a small container holding a JSON manifest and a wasm
// module. The guest exports an update entry point and publishes RGBA
// frames through a single host import; the host drives ticks, converts
// frames to images, and forwards keyboard and mouse input. Guests run
// with zero ambient capabilities: no filesystem, no network, no
// environment.
//
// # Basic Usage
//
//	pkg, err := wapps.Open("pong.wapp")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Headless: drive one second of frames and keep the last one.
//	res := wapps.Run(ctx, pkg, wapps.DefaultRunConfig())
//	if res.Err != nil {
//	    log.Fatal(res.Err)
//	}
//	png.Encode(out, res.LastFrame)
//
// # Sessions
//
// For interactive hosts, build an executor and drive the session
// yourself:
//
//	exec, _ := executor.New(executor.WithDiskCache())
//	defer exec.Close()
//
//	session, _ := exec.Load(ctx, pkg)
//	defer session.Close()
//
//	session.Enqueue(input.KeyDown{Code: 44})
//	frame, err := session.Step(ctx, 1.0/60)
//
// See the [wapp], [executor], [tui], and [replay] packages for detailed
// API documentation.
package wapps
