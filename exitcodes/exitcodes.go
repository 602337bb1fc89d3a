// Package exitcodes defines the standard exit codes used by testherd.
package exitcodes

// Exit code constants used by testherd
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when the merged run report has zero failed units
// * TestFailure (1): Used when one or more units fail
// * RuntimeErr (2): Used for runtime errors such as bad configuration,
//   unreadable plans or worker pool failures
// * GlobalTimeout (3): Used when the run was aborted by the global run timeout
const (
	Success       = 0 // All units pass
	TestFailure   = 1 // Unit failures
	RuntimeErr    = 2 // Runtime or configuration errors
	GlobalTimeout = 3 // Run aborted by the global timeout
)
