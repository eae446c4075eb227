// Package iopruntime loads IOP accelerator program packages and runs their
// entrypoints. See the iop, runner and emulator packages.
package iopruntime

// Version of the library
const Version = "v0.1.0"
