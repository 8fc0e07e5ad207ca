package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/runner"
	"github.com/psantana5/batchd/pkg/store"
	"github.com/psantana5/batchd/pkg/submit"
)

var (
	runModulesFile string
	runShell       string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <script>",
	Short: "Run a job script locally",
	Long: `Run a job script synchronously on this host without a daemon.
Directives are honored where they apply locally: the memory limit and
walltime are enforced, logs go to the directive paths, and the job's
stdout is bracketed with start and end timestamps.`,
	Args: cobra.ExactArgs(1),
	RunE: runLocal,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runModulesFile, "modules-file", "", "environment module catalog (YAML)")
	runCmd.Flags().StringVar(&runShell, "shell", "", "interpreter for the script (default /bin/sh)")

	// Directive overrides shared with submit
	runCmd.Flags().StringVar(&jobName, "job-name", "", "job name (default: script basename)")
	runCmd.Flags().StringVar(&memLimit, "mem", "", "memory limit (e.g. 16gb)")
	runCmd.Flags().StringVar(&walltime, "time", "", "wall-clock limit (e.g. 08:00:00)")
	runCmd.Flags().StringVar(&stdoutLog, "output-log", "", "stdout log path (%j = job number, %x = job name)")
	runCmd.Flags().StringVar(&stderrLog, "error-log", "", "stderr log path")
	runCmd.Flags().StringSliceVar(&envModules, "module", nil, "environment module to load (repeatable)")
}

func runLocal(cmd *cobra.Command, args []string) error {
	var catalog *envmod.Catalog
	if runModulesFile != "" {
		var err error
		catalog, err = envmod.LoadCatalog(runModulesFile)
		if err != nil {
			return err
		}
	}

	overrides, err := buildOverrides()
	if err != nil {
		return err
	}

	// A throwaway in-memory store gives the job a sequence number and
	// expanded log paths, same as a daemon submission would.
	st := store.NewMemoryStore()
	defer st.Close()

	job, err := submit.NewService(st, catalog).SubmitScript(args[0], overrides)
	if err != nil {
		return err
	}

	var mods []envmod.Module
	if catalog != nil && len(job.Directives.EnvModules) > 0 {
		mods, err = catalog.Resolve(job.Directives.EnvModules)
		if err != nil {
			return err
		}
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if job.Directives.Walltime > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Directives.Walltime)
		defer cancel()
	}

	r := runner.New(job, runner.Options{
		Modules: mods,
		Shell:   runShell,
	})
	result, err := r.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Job %d finished: status=%s exit=%d duration=%s\n",
		job.SequenceNumber, result.Status, result.ExitCode, result.Duration.Round(10*time.Millisecond))

	if result.Status != models.JobStatusCompleted {
		code := result.ExitCode
		if code <= 0 {
			code = 1
		}
		os.Exit(code)
	}
	return nil
}
