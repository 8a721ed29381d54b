/*
Package sandbox provides isolated JavaScript runtimes that execute exported
functions of CommonJS modules.

# Overview

Each Worker owns one goja runtime and the goroutine that drives it. A worker
runs a single script at a time:

  - the module at the requested pathname is loaded through a CommonJS require
  - the named export (or the callable module itself, for "default") is called
    with the run's arguments
  - a returned promise is awaited by driving the worker's event loop
  - the settled value or thrown error is emitted on Events as a protocol message

# Script Context

The called function's this carries the host hooks requested by the caller:

	exports.work = async function (n) {
		this.statusCallback({ progress: 0.5 })
		this.abortSignal.addEventListener("abort", () => { ... })
		return n * 3
	}

Scripts also see console (forwarded to the pool logger), setTimeout,
setInterval, their clear functions, require, and process.crash().

# Crashes

A worker that panics, calls process.crash(), or is terminated closes Gone and
reports its Crash. No terminal event is emitted for a run interrupted that way.
*/
package sandbox
