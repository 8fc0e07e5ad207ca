// Package runner executes one batch job synchronously: it opens the
// job's log streams, emits the coordinator diagnostic block, brackets
// the invocation with start and end timestamps, and blocks until the
// job process exits. The runner records the exit code but never turns a
// non-zero exit into its own error; interpreting the exit status is the
// scheduler's business.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/models"
)

// TimestampFormat is used for the start/end lines in the job's stdout log
const TimestampFormat = "Mon Jan 2 15:04:05 MST 2006"

// Options configures a Runner
type Options struct {
	Node    *models.Node // execution host, used for the diagnostic block
	Rank    Rank         // rank of this process; zero value is the coordinator
	Modules []envmod.Module
	BaseEnv []string // nil means os.Environ()
	Shell   string   // interpreter for the job script, default /bin/sh
}

// Runner executes a single job
type Runner struct {
	job  *models.Job
	opts Options

	cgroup     *CgroupManager
	cgroupPath string

	startedAt time.Time
	endedAt   time.Time
	exitCode  int
}

// New creates a Runner for the given job
func New(job *models.Job, opts Options) *Runner {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	return &Runner{
		job:    job,
		opts:   opts,
		cgroup: NewCgroupManager("batchd"),
	}
}

// Run executes the job synchronously and returns its result. The
// returned error is non-nil only when the job could not be launched at
// all (unreadable script, unwritable log path, exec failure); once the
// child has started, Run always waits for it and always returns a
// result, whatever the exit status.
func (r *Runner) Run(ctx context.Context) (*models.JobResult, error) {
	stdout, stderr, err := r.openLogs()
	if err != nil {
		return nil, err
	}
	defer stdout.Close()
	defer stderr.Close()

	// Shared diagnostics belong to the coordinator alone: rank 0 with
	// no active sub-step, printed exactly once per job.
	if r.opts.Rank.IsCoordinator() {
		r.writeDiagnostics(stdout)
	}

	hostname, _ := os.Hostname()
	fmt.Fprintf(stdout, "Running on host %s\n", hostname)

	r.startedAt = time.Now()
	fmt.Fprintf(stdout, "Starting at %s\n", r.startedAt.Format(TimestampFormat))

	cmd := exec.CommandContext(ctx, r.opts.Shell, r.job.Script)
	cmd.Dir = r.workDir()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = r.buildEnv()
	// Own process group so scheduler signals reach the whole job tree
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	if err := cmd.Start(); err != nil {
		r.endedAt = time.Now()
		fmt.Fprintf(stdout, "Ending at %s\n", r.endedAt.Format(TimestampFormat))
		return nil, fmt.Errorf("failed to start job %s: %w", r.job.ID, err)
	}

	r.applyConstraints(cmd.Process.Pid)

	// Block until the job process exits. Walltime enforcement arrives
	// from outside through ctx, not from in here.
	waitErr := cmd.Wait()
	r.endedAt = time.Now()
	fmt.Fprintf(stdout, "Ending at %s\n", r.endedAt.Format(TimestampFormat))

	r.cleanup()

	return r.buildResult(ctx, waitErr), nil
}

// StartedAt returns when the job process was launched
func (r *Runner) StartedAt() time.Time { return r.startedAt }

// EndedAt returns when the job process exited
func (r *Runner) EndedAt() time.Time { return r.endedAt }

func (r *Runner) workDir() string {
	if r.job.WorkDir != "" {
		return r.job.WorkDir
	}
	return filepath.Dir(r.job.Script)
}

// openLogs opens the stdout and stderr streams at the directive paths,
// creating parent directories as needed. Relative paths resolve against
// the job's working directory.
func (r *Runner) openLogs() (*os.File, *os.File, error) {
	stdoutPath := r.resolveLogPath(r.job.Directives.StdoutPath, ".out")
	stderrPath := r.resolveLogPath(r.job.Directives.StderrPath, ".err")

	stdout, err := openLogFile(stdoutPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout log: %w", err)
	}

	if stderrPath == stdoutPath {
		return stdout, stdout, nil
	}

	stderr, err := openLogFile(stderrPath)
	if err != nil {
		stdout.Close()
		return nil, nil, fmt.Errorf("failed to open stderr log: %w", err)
	}

	return stdout, stderr, nil
}

func (r *Runner) resolveLogPath(path, suffix string) string {
	if path == "" {
		name := r.job.Name()
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(r.job.Script), filepath.Ext(r.job.Script))
		}
		path = fmt.Sprintf("%s-%d%s", name, r.job.SequenceNumber, suffix)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.workDir(), path)
	}
	return path
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// writeDiagnostics prints the per-job diagnostic block: job identity
// and the node list, once, coordinator only.
func (r *Runner) writeDiagnostics(w *os.File) {
	fmt.Fprintf(w, "Job ID:    %s\n", r.job.ID)
	if r.job.SequenceNumber > 0 {
		fmt.Fprintf(w, "Job #:     %d\n", r.job.SequenceNumber)
	}
	if name := r.job.Name(); name != "" {
		fmt.Fprintf(w, "Job name:  %s\n", name)
	}
	if r.opts.Node != nil {
		fmt.Fprintf(w, "Node list: %s\n", r.opts.Node.Name)
	}
}

func (r *Runner) buildEnv() []string {
	base := r.opts.BaseEnv
	if base == nil {
		base = os.Environ()
	}

	env := envmod.Apply(base, r.opts.Modules)

	env = append(env,
		EnvJobID+"="+r.job.ID,
		EnvJobName+"="+r.job.Name(),
		EnvProcID+"="+strconv.Itoa(r.opts.Rank.Proc),
		EnvStepID+"="+r.opts.Rank.Step,
	)
	if r.opts.Node != nil {
		env = append(env, EnvNodeID+"="+r.opts.Node.ID)
	}
	return env
}

// applyConstraints applies OS-level limits after the process started.
// Failures degrade to warnings; the job keeps running without the limit.
func (r *Runner) applyConstraints(pid int) {
	c := ConstraintsForJob(r.job)
	c.Clamp()

	path, err := r.cgroup.Create(r.job.ID, c)
	if err != nil {
		log.Printf("[runner] failed to create cgroup for job %s: %v", r.job.ID, err)
	}
	r.cgroupPath = path

	if path != "" {
		if err := r.cgroup.Attach(path, pid); err != nil {
			log.Printf("[runner] failed to attach job %s to cgroup: %v", r.job.ID, err)
		}
	}

	if err := ApplyNicePriority(pid, c.NicePriority); err != nil {
		log.Printf("[runner] failed to set nice priority for job %s: %v", r.job.ID, err)
	}
	if err := ApplyOOMScoreAdj(pid, c.OOMScoreAdj); err != nil {
		log.Printf("[runner] failed to set OOM score for job %s: %v", r.job.ID, err)
	}
}

func (r *Runner) cleanup() {
	if err := r.cgroup.Remove(r.cgroupPath); err != nil {
		log.Printf("[runner] failed to remove cgroup for job %s: %v", r.job.ID, err)
	}
}

func (r *Runner) buildResult(ctx context.Context, waitErr error) *models.JobResult {
	result := &models.JobResult{
		JobID:     r.job.ID,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Duration:  r.endedAt.Sub(r.startedAt),
	}
	if r.opts.Node != nil {
		result.NodeID = r.opts.Node.ID
	}

	if waitErr == nil {
		result.ExitCode = 0
		result.Status = models.JobStatusCompleted
		return result
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			result.Error = fmt.Sprintf("killed by %v", status.Signal())
			if status.Signal() == syscall.SIGKILL {
				// SIGKILL with a memory ceiling in place usually means
				// the kernel OOM killer fired.
				result.OOMKilled = r.job.Directives.MemoryLimitBytes > 0
			}
		} else {
			result.Error = fmt.Sprintf("exited with code %d", result.ExitCode)
		}
	} else {
		result.ExitCode = -1
		result.Error = waitErr.Error()
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.WalltimeHit = true
		result.Status = models.JobStatusTimedOut
		return result
	}

	result.Status = models.JobStatusFailed
	return result
}
