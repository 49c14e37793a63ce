// Package preflight provides readiness checks for the external tools,
// model weights and filesystem paths bifrost depends on.
//
// The doctor command runs every check and prints a table; register and
// build_template run the binary checks for the stages they will execute so a
// missing tool fails fast instead of after hours of alignment.
package preflight
