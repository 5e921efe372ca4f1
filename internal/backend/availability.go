package backend

import "strings"

// Available returns a comma-separated list of backends compiled into this
// binary.
func Available() string {
	entries := []string{Host}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	if Has(WebGPU) {
		entries = append(entries, WebGPU)
	}
	return strings.Join(entries, ",")
}

func Has(name string) bool {
	switch name {
	case Host:
		return true
	case CUDA:
		return cudaEnabled
	case WebGPU:
		return webgpuEnabled
	default:
		return false
	}
}
