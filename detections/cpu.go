package detections

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions the inference runtime can use on
// this host.
func CPUFeatures() []string {
	var features []string
	switch runtime.GOARCH {
	case "amd64", "386":
		for _, f := range []struct {
			name string
			ok   bool
		}{
			{"sse41", cpu.X86.HasSSE41},
			{"avx", cpu.X86.HasAVX},
			{"avx2", cpu.X86.HasAVX2},
			{"fma", cpu.X86.HasFMA},
			{"avx512f", cpu.X86.HasAVX512F},
		} {
			if f.ok {
				features = append(features, f.name)
			}
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			features = append(features, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			features = append(features, "fp16")
		}
	}
	return features
}

func SupportedBackends() []string {
	if openCVAvailable {
		return []string{BackendONNX, BackendOpenCV}
	}
	return []string{BackendONNX}
}
