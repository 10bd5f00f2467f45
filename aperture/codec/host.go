package codec

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// HostInfo is everything hardware encoder support is decided on.
type HostInfo struct {
	OS              string
	PlatformVersion string
	CPUModel        string
}

func DetectHostInfo(ctx context.Context) (_ret HostInfo, _err error) {
	logger.Debugf(ctx, "DetectHostInfo")
	defer func() { logger.Debugf(ctx, "/DetectHostInfo: %#+v %v", _ret, _err) }()

	info := HostInfo{OS: runtime.GOOS}

	hostInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("unable to get the host info: %w", err)
	}
	info.OS = hostInfo.OS
	info.PlatformVersion = hostInfo.PlatformVersion

	cpuInfo, err := cpu.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("unable to get the CPU info: %w", err)
	}
	if len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	return info, nil
}

var (
	minHEVCPlatformVersion = [2]int{10, 13}

	// The generation is the leading digit of a 4-digit model number and the
	// two leading digits of a 5-digit one: i7-4850HQ is 4th, i7-10750H is 10th.
	intelCoreModelRegexp = regexp.MustCompile(`Intel.*Core.*i(?:5|7|9)-(\d{4,5})`)
	appleSiliconRegexp   = regexp.MustCompile(`^Apple M\d`)
)

const minHEVCIntelGeneration = 6

// SupportsHEVCHardwareEncoding reports if the capture engine can encode HEVC
// in hardware on the given host.
func SupportsHEVCHardwareEncoding(info HostInfo) bool {
	if info.OS != "darwin" {
		return false
	}
	if !versionAtLeast(info.PlatformVersion, minHEVCPlatformVersion) {
		return false
	}
	if appleSiliconRegexp.MatchString(info.CPUModel) {
		return true
	}
	return intelCoreGeneration(info.CPUModel) >= minHEVCIntelGeneration
}

func intelCoreGeneration(cpuModel string) int {
	match := intelCoreModelRegexp.FindStringSubmatch(cpuModel)
	if match == nil {
		return 0
	}
	digits := match[1]
	if len(digits) == 5 {
		digits = digits[:2]
	} else {
		digits = digits[:1]
	}
	generation, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return generation
}

func versionAtLeast(version string, min [2]int) bool {
	parts := strings.SplitN(version, ".", 3)
	var parsed [2]int
	for idx := range parsed {
		if idx >= len(parts) {
			break
		}
		v, err := strconv.Atoi(parts[idx])
		if err != nil {
			return false
		}
		parsed[idx] = v
	}
	if parsed[0] != min[0] {
		return parsed[0] > min[0]
	}
	return parsed[1] >= min[1]
}
