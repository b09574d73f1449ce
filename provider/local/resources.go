package local

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

const kib = 1024

// readResources reads this machine's capacity. Missing /proc entries
// (non-Linux) leave the corresponding fields zero.
func readResources(root string) (cpus int, mhz float64, mem, disk int64, gpu string) {
	cpus = runtime.NumCPU()
	mhz = cpuMHz()
	mem = memTotal()
	disk = diskTotal(root)
	if _, err := os.Stat("/proc/driver/nvidia/version"); err == nil {
		gpu = "nvidia"
	}
	return
}

func cpuMHz() float64 {
	v, _ := procField("/proc/cpuinfo", "cpu MHz")
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

func memTotal() int64 {
	v, ok := procField("/proc/meminfo", "MemTotal")
	if !ok {
		return 0
	}
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.ParseInt(fields[0], 10, 64)
	return n * kib
}

func diskTotal(path string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	return int64(stat.Blocks) * int64(stat.Bsize) //nolint:gosec,unconvert
}

// procField returns the value of the first "key : value" line of file.
func procField(file, key string) (string, bool) {
	f, err := os.Open(file) //nolint:gosec
	if err != nil {
		return "", false
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		k, v, ok := strings.Cut(scanner.Text(), ":")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}
