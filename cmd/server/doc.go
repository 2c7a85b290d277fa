// Package main is the entry point for the tracebox analyzer.
//
// tracebox runs the ctrace C/C++ analyzer over submitted source files inside
// the strongest available sandbox (full-system QEMU, user-mode QEMU,
// bubblewrap, firejail or bare resource limits), falling back to the next one
// when a backend is missing or fails to set up.
//
// Commands:
//
//	tracebox serve              serve MCP over stdio or HTTP, or the REST API
//	tracebox analyze main.c     analyze local files once and print JSON
//	tracebox tools              list the analyzer tools
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging, viper for configuration and
// cobra for the command line.
package main
