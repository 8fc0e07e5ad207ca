package runner

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// CgroupManager places job processes into per-job cgroups so the memory
// ceiling from the --mem directive is enforced by the kernel rather
// than trusted to the job script. Only the v2 unified hierarchy is
// supported; on hosts without it the manager degrades to no-ops and the
// directive becomes advisory.
type CgroupManager struct {
	root      string
	namespace string
	available bool
}

// NewCgroupManager creates a cgroup manager rooted at the unified
// hierarchy
func NewCgroupManager(namespace string) *CgroupManager {
	root := "/sys/fs/cgroup"
	available := false

	if _, err := os.Stat(filepath.Join(root, "cgroup.controllers")); err == nil {
		available = true
	} else {
		log.Printf("[runner] cgroup v2 not available, memory limits are advisory")
	}

	return &CgroupManager{
		root:      root,
		namespace: namespace,
		available: available,
	}
}

// Create makes a cgroup for the job and writes its memory ceiling.
// Returns the cgroup path, or "" when cgroups are unavailable or not
// permitted.
func (cm *CgroupManager) Create(jobID string, c *Constraints) (string, error) {
	if !cm.available {
		return "", nil
	}

	path := filepath.Join(cm.root, fmt.Sprintf("%s-%s", cm.namespace, jobID))
	if err := os.MkdirAll(path, 0755); err != nil {
		if os.IsPermission(err) {
			log.Printf("[runner] cannot create cgroup (permission denied), memory limit advisory")
			return "", nil
		}
		return "", fmt.Errorf("failed to create cgroup: %w", err)
	}

	if c.MemoryLimitBytes > 0 {
		memMax := filepath.Join(path, "memory.max")
		if err := os.WriteFile(memMax, []byte(fmt.Sprintf("%d", c.MemoryLimitBytes)), 0644); err != nil {
			log.Printf("[runner] failed to set memory.max: %v", err)
		}
		// Kill the whole process group together on OOM so no orphan
		// ranks linger.
		oomGroup := filepath.Join(path, "memory.oom.group")
		if err := os.WriteFile(oomGroup, []byte("1"), 0644); err != nil {
			log.Printf("[runner] failed to set memory.oom.group: %v", err)
		}
	}

	return path, nil
}

// Attach moves a process into the cgroup
func (cm *CgroupManager) Attach(path string, pid int) error {
	if path == "" || !cm.available {
		return nil
	}

	procs := filepath.Join(path, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(fmt.Sprintf("%d", pid)), 0644); err != nil {
		return fmt.Errorf("failed to attach process to cgroup: %w", err)
	}
	return nil
}

// Remove deletes the job cgroup after the process has exited
func (cm *CgroupManager) Remove(path string) error {
	if path == "" || !cm.available {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove cgroup: %w", err)
	}
	return nil
}
