//go:build !tinygo

// Command bpf holds the probe entry points. It only does something when
// built with TinyGo for the bpf target; see the Makefile.
package main

func main() {}
