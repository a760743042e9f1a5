// Package tools provides host helpers shared by the build and run halves.
//
// Ownership boundary:
// - external command execution (UI toolchains, packaging checks)
//
// - filesystem copy and sandbox primitives used by the packager and compilers
package tools
