package util

import (
	"os"
	"strings"
	"sync"
)

var (
	isContainerOnce   sync.Once
	isContainerResult bool
)

// containerMarkers are substrings of /proc cgroup and mount data that
// indicate a containerized process.
var containerMarkers = []string{"docker", "containerd", "kubepods", "lxc", "libpod"}

// IsRunningInContainer reports whether the process runs inside a container.
// The result is computed once and cached.
func IsRunningInContainer() bool {
	isContainerOnce.Do(func() {
		isContainerResult = detectContainer(os.ReadFile, os.Getenv)
	})
	return isContainerResult
}

// detectContainer checks marker files, cgroup data and orchestrator env vars.
func detectContainer(readFile func(string) ([]byte, error), getenv func(string) string) bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := readFile(marker); err == nil {
			return true
		}
	}

	for _, path := range []string{"/proc/1/cgroup", "/proc/self/mountinfo"} {
		data, err := readFile(path)
		if err != nil {
			continue
		}
		if containsAny(string(data), containerMarkers) {
			return true
		}
	}

	return getenv("KUBERNETES_SERVICE_HOST") != ""
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
