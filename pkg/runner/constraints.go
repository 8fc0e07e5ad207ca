package runner

import (
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/psantana5/batchd/pkg/models"
)

// Constraints are the OS-level limits applied to a job process after it
// starts. The memory ceiling comes from the job's --mem directive; nice
// and OOM adjustments follow the job's priority class.
type Constraints struct {
	MemoryLimitBytes uint64
	NicePriority     int // -20 to 19
	OOMScoreAdj      int // -1000 to 1000
}

// ConstraintsForJob derives constraints from the job directives
func ConstraintsForJob(job *models.Job) *Constraints {
	c := &Constraints{
		MemoryLimitBytes: job.Directives.MemoryLimitBytes,
	}

	switch job.Directives.Priority {
	case "low":
		c.NicePriority = 10
		c.OOMScoreAdj = 100
	case "high":
		c.NicePriority = -5
		c.OOMScoreAdj = -100
	}

	return c
}

// Clamp forces all values into their valid kernel ranges
func (c *Constraints) Clamp() {
	if c.NicePriority < -20 {
		c.NicePriority = -20
	} else if c.NicePriority > 19 {
		c.NicePriority = 19
	}
	if c.OOMScoreAdj < -1000 {
		c.OOMScoreAdj = -1000
	} else if c.OOMScoreAdj > 1000 {
		c.OOMScoreAdj = 1000
	}
}

// ApplyNicePriority applies nice priority to a running process
func ApplyNicePriority(pid int, niceness int) error {
	if niceness == 0 {
		return nil
	}

	if err := syscall.Setpriority(syscall.PRIO_PROCESS, pid, niceness); err != nil {
		// Negative nice values require privilege
		if niceness < 0 && os.Geteuid() != 0 {
			log.Printf("[runner] cannot set negative nice without root, leaving default")
			return nil
		}
		return fmt.Errorf("failed to set process priority: %w", err)
	}
	return nil
}

// ApplyOOMScoreAdj adjusts the OOM killer score of a running process
func ApplyOOMScoreAdj(pid int, score int) error {
	if score == 0 {
		return nil
	}

	path := fmt.Sprintf("/proc/%d/oom_score_adj", pid)
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d", score)), 0644); err != nil {
		if score < 0 && os.Geteuid() != 0 {
			log.Printf("[runner] cannot set negative OOM score without root, leaving default")
			return nil
		}
		return fmt.Errorf("failed to set OOM score: %w", err)
	}
	return nil
}
