// Package logging provides a small leveled logging layer over log/slog.
//
// Library packages log through the Debug/Info/Warn/Error functions with a
// subsystem tag so that CLI output can be filtered by component. The CLI
// initializes the backend once at startup via InitForCLI.
package logging
