// Package analysis runs the external analyzer over submitted source files.
//
// A Coordinator validates a submission, stores it in a fresh Job work
// directory, runs the analyzer (or its stand-in when the analyzer is not
// installed) through the sandbox fallback chain and records the outcome on
// the Job. It also answers tool discovery and serves the bundled examples.
package analysis
