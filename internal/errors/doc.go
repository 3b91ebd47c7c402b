// Package errors provides coded, actionable error messages for the wthr
// command.
//
// Every fatal condition the command can hit has a registered code (e.g.
// "W202") that carries a short message, a longer explanation and a
// category. The command wraps the underlying cause and prints it with
// Format before exiting non-zero.
//
// # Error Categories
//
//   - config: the configuration file, environment or flags are invalid
//   - network: the listening socket or event loop failed
//   - cli: the command line itself is wrong
//
// # Usage
//
//	err := errors.New("W202").
//	    Wrap(cause).
//	    WithSuggestion("Pick a free port or stop the process using it")
//
//	errors.PrintError(os.Stderr, err)
//	// Output:
//	// ERROR W202: Cannot bind listening socket
//	//
//	//   No address family could be bound on the requested port.
//	//
//	//   Cause: server: cannot bind on port 80: bind: permission denied
//	//
//	//   Hint: Pick a free port or stop the process using it
package errors
