// Package security initializes the plugins that secure the probe channel
// between the coordinator and node agents.
//
// Plugins start in a fixed order and stop in reverse. If any of them fails to
// start the daemon must not run at all: the coordinator never dispatches a
// probe while Chain.Ready reports an error.
package security
