// Package main hosts the bifrost CLI entrypoint and command graph.
//
// The Cobra command tree turns terminal invocations into registration runs,
// archive replays and template builds. It resolves configuration once,
// builds the engine clients from it, takes the output lock and wires the run
// log, so each subcommand only maps flags onto the options of the internal
// package that does the work.
//
// Keep this package thin: new behaviour belongs in internal packages first
// and is surfaced here through a command or a flag.
package main
