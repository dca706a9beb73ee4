//go:build !amd64 && !arm64

package nvfbc

// LibraryName is the NvFBC library file for 32-bit processes.
const LibraryName = "NvFBC.dll"
