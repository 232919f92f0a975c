package locationagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// HostSerial returns a best-effort stable identifier for the host machine.
// On macOS it prefers the hardware serial number and falls back to the
// hardware UUID; on Linux it prefers /etc/machine-id then the DMI product
// UUID. Unsupported platforms yield an empty string without error.
func HostSerial() (string, error) {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c",
			`ioreg -l | awk -F'"' '/IOPlatformSerialNumber/ {print $4}'`)
		if out, err := cmd.Output(); err == nil {
			if serial := strings.TrimSpace(string(out)); serial != "" {
				return serial, nil
			}
		}
		cmd = exec.CommandContext(context.Background(), "bash", "-c",
			"system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(out)), nil
	case "linux":
		if id, err := readSystemFile("/etc/machine-id"); err == nil && id != "" {
			return id, nil
		}
		if id, err := readSystemFile("/sys/class/dmi/id/product_uuid"); err == nil && id != "" {
			return id, nil
		}
		return "", nil
	default:
		return "", nil
	}
}

func readSystemFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
