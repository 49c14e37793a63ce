// Package logging assembles structured slog loggers and formatting helpers used
// across the registration and template pipelines.
//
// Console output honours the verbosity contract of the command line (warnings
// only unless verbose) while a per-run log file receives the full record. The
// context helpers tag lines with run IDs, step names, items and variants so a
// resumed run can be correlated with the attempt that left partial work behind.
package logging
