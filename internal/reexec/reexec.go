// Package reexec implements the /proc/self/exe re-exec trick
// ProcessLauncher depends on (spec.md §4.6): a container's helper and
// init stages are the same binary invoked with a reserved argv[0],
// dispatching into registered Go functions instead of forking the Go
// runtime directly (unsafe once goroutines/threads exist).
//
// Adapted from the moby reexec package's Register/Init shape, the
// pattern the rest of the pack's container runtimes (runc,
// libcontainer) independently converge on for the same reason.
package reexec

import "os"

var registered = make(map[string]func())

// Register records fn to run when the process is re-invoked with
// argv[0] == name instead of the normal binary name.
func Register(name string, fn func()) {
	registered[name] = fn
}

// Init checks argv[0] against the registry and, on a match, runs the
// registered function and returns true. The caller (main) must call
// Init before any other startup work and exit immediately if it
// returns true — the registered function never returns on success
// (it execve's the container entrypoint or a further re-exec stage).
func Init() bool {
	fn, ok := registered[os.Args[0]]
	if !ok {
		return false
	}
	fn()
	return true
}

// Self returns the absolute path to the running binary, used as
// exec.Cmd.Path for every re-exec stage so it works regardless of
// cwd or $PATH (spec.md §4.6 step 2).
func Self() (string, error) {
	return os.Executable()
}
