// Package version carries the program identity constants shared by the
// CLI and the structured event stream.
package version

// Project constants
const (
	// ProgramName is the name of the runtime.
	ProgramName = "bockrt"

	// Version is the current version of the runtime.
	Version = "0.1.0"

	// SpecVersion is the OCI runtime spec version this runtime understands.
	SpecVersion = "1.2.0"
)
