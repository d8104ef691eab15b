//go:build linux

package engine

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"execbox/internal/sandbox/spec"
	appErr "execbox/pkg/errors"
)

// runCgroup is the cgroup v2 directory owning one step's process tree.
type runCgroup struct {
	path string
	dir  *os.File
}

func createRunCgroup(root, runID string) (*runCgroup, error) {
	if root == "" {
		return nil, appErr.ValidationError("cgroup_root", "required")
	}
	if runID == "" || strings.ContainsAny(runID, "/.") {
		return nil, appErr.ValidationError("run_id", "invalid")
	}
	path := filepath.Join(root, runID)
	if err := os.Mkdir(path, 0750); err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSystemError, "create cgroup path failed")
	}
	return &runCgroup{path: path}, nil
}

// open returns a directory fd usable as SysProcAttr.CgroupFD.
func (c *runCgroup) open() (int, error) {
	dir, err := os.OpenFile(c.path, os.O_RDONLY, 0)
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.SandboxSystemError, "open cgroup dir failed")
	}
	c.dir = dir
	return int(dir.Fd()), nil
}

func (c *runCgroup) closeDir() {
	if c.dir != nil {
		_ = c.dir.Close()
		c.dir = nil
	}
}

// destroy kills anything left in the cgroup and removes it.
func (c *runCgroup) destroy() error {
	c.closeDir()
	_ = c.kill()
	var err error
	for i := 0; i < 20; i++ {
		// rmdir succeeds on cgroupfs once the last member is gone.
		err = os.Remove(c.path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if !errors.Is(err, syscall.EBUSY) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
		// Not a cgroupfs directory.
		err = os.RemoveAll(c.path)
	}
	if err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "remove cgroup failed")
	}
	return nil
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.MaxProcesses > 0 {
		pidsValue = strconv.FormatInt(limits.MaxProcesses, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryBytes, 10)); err != nil {
			return err
		}
		// Without swap accounting the file is absent; memory.max alone still holds.
		if _, err := os.Stat(filepath.Join(cgroupPath, "memory.swap.max")); err == nil {
			if err := writeCgroupValue(cgroupPath, "memory.swap.max", "0"); err != nil {
				return err
			}
		}
	}
	if err := writeCgroupValue(cgroupPath, "cpu.max", "max 100000"); err != nil {
		return err
	}
	return nil
}

// enableControllers delegates the controllers per-run cgroups need.
func enableControllers(root string) error {
	return writeCgroupValue(root, "cgroup.subtree_control", "+memory +pids +cpu")
}

func (c *runCgroup) kill() error {
	return killCgroup(c.path)
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOomKilled(cgroupPath string) bool {
	val, err := readKeyedValue(cgroupPath, "memory.events", "oom_kill")
	return err == nil && val > 0
}

func pidsLimitHit(cgroupPath string) bool {
	val, err := readKeyedValue(cgroupPath, "pids.events", "max")
	return err == nil && val > 0
}

func cgroupCPUTimeMs(cgroupPath string) (int64, error) {
	usec, err := readKeyedValue(cgroupPath, "cpu.stat", "usage_usec")
	if err != nil {
		return 0, err
	}
	return usec / 1000, nil
}

func memoryPeakBytes(cgroupPath string) (int64, error) {
	return readCgroupInt(cgroupPath, "memory.peak")
}

func readKeyedValue(cgroupPath, file, key string) (int64, error) {
	if cgroupPath == "" {
		return 0, appErr.ValidationError("cgroup_path", "required")
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, file))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxSystemError, "read %s failed", file)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != key {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, appErr.Wrapf(err, appErr.SandboxSystemError, "parse %s %s failed", file, key)
		}
		return val, nil
	}
	return 0, appErr.Newf(appErr.SandboxSystemError, "%s not found in %s", key, file)
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxSystemError, "read cgroup value failed")
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.SandboxSystemError, "parse cgroup value failed")
	}
	return parsed, nil
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.SandboxSystemError, "write %s failed", name)
	}
	return nil
}
