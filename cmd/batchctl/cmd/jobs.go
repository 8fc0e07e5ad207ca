package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/script"
)

var (
	// Job submit flags
	jobName    string
	memLimit   string
	walltime   string
	partition  string
	priority   string
	mailType   string
	mailUser   string
	stdoutLog  string
	stderrLog  string
	ntasks     int
	envModules []string

	// Job status flags
	followStatus bool
	stateFilter  string

	// Job logs flags
	logStream string
)

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit <script>",
	Short: "Submit a job script",
	Long:  `Submit a job script to the batchd daemon. Directives are read from #BATCH lines in the script; flags override them.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a job by its ID or sequence number. If no ID is provided, lists all jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

// cancelCmd represents the cancel command
var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a queued or running job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

// retryCmd represents the retry command
var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed job",
	Long:  `Requeue a failed or timed-out job with the same script and directives.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

// logsCmd represents the logs command
var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Get logs for a job",
	Long:  `Retrieve the stdout or stderr log of a job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(logsCmd)

	// Flags for submit, mirroring the #BATCH directive keys
	submitCmd.Flags().StringVar(&jobName, "job-name", "", "job name (default: script basename)")
	submitCmd.Flags().StringVar(&memLimit, "mem", "", "memory limit (e.g. 16gb)")
	submitCmd.Flags().StringVar(&walltime, "time", "", "wall-clock limit (e.g. 08:00:00 or 1-12:00:00)")
	submitCmd.Flags().StringVar(&partition, "partition", "", "queue (interactive, default, batch)")
	submitCmd.Flags().StringVar(&priority, "priority", "", "priority level (high, medium, low)")
	submitCmd.Flags().StringVar(&mailType, "mail-type", "", "notification policy (none, end, fail, all)")
	submitCmd.Flags().StringVar(&mailUser, "mail-user", "", "notification address")
	submitCmd.Flags().StringVar(&stdoutLog, "output-log", "", "stdout log path (%j = job number, %x = job name)")
	submitCmd.Flags().StringVar(&stderrLog, "error-log", "", "stderr log path")
	submitCmd.Flags().IntVar(&ntasks, "ntasks", 0, "number of ranks")
	submitCmd.Flags().StringSliceVar(&envModules, "module", nil, "environment module to load (repeatable)")

	statusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")
	statusCmd.Flags().StringVar(&stateFilter, "state", "", "list only jobs in this state")

	logsCmd.Flags().StringVar(&logStream, "stream", "stdout", "log stream: stdout or stderr")
}

type submitRequest struct {
	ScriptBody string            `json:"script_body"`
	Directives models.Directives `json:"directives"`
}

func buildOverrides() (models.Directives, error) {
	d := models.Directives{
		JobName:       jobName,
		NotifyPolicy:  models.NotifyPolicy(mailType),
		NotifyAddress: mailUser,
		StdoutPath:    stdoutLog,
		StderrPath:    stderrLog,
		Queue:         partition,
		Priority:      priority,
		Ranks:         ntasks,
		EnvModules:    envModules,
	}

	if memLimit != "" {
		bytes, err := script.ParseMemory(memLimit)
		if err != nil {
			return d, fmt.Errorf("invalid --mem value: %w", err)
		}
		d.MemoryLimitBytes = bytes
	}
	if walltime != "" {
		dur, err := script.ParseWalltime(walltime)
		if err != nil {
			return d, fmt.Errorf("invalid --time value: %w", err)
		}
		d.Walltime = dur
	}
	return d, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	overrides, err := buildOverrides()
	if err != nil {
		return err
	}

	respBody, err := apiCall("POST", "/api/v1/jobs", submitRequest{
		ScriptBody: string(body),
		Directives: overrides,
	})
	if err != nil {
		return err
	}

	var job models.Job
	if err := json.Unmarshal(respBody, &job); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(job)
	}

	fmt.Printf("Submitted batch job %d (%s)\n", job.SequenceNumber, job.Name())
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listAllJobs()
	}

	jobID := args[0]
	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			job, err := fetchJob(jobID)
			if err != nil {
				return err
			}

			fmt.Print("\033[H\033[2J")
			displayJob(job)

			if models.IsTerminalState(job.Status) {
				fmt.Println("\nJob reached terminal state")
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	}

	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

func fetchJob(jobID string) (*models.Job, error) {
	body, err := apiCall("GET", "/api/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &job, nil
}

func displayJob(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job #", fmt.Sprintf("%d", job.SequenceNumber))
	table.Append("Name", job.Name())
	table.Append("Status", string(job.Status))
	table.Append("Queue", job.Directives.Queue)
	table.Append("Priority", job.Directives.Priority)
	table.Append("Script", job.Script)
	if job.Directives.Walltime > 0 {
		table.Append("Walltime", job.Directives.Walltime.String())
	}
	if job.Directives.MemoryLimitBytes > 0 {
		table.Append("Memory", fmt.Sprintf("%d MB", job.Directives.MemoryLimitBytes/(1024*1024)))
	}
	table.Append("Created", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		table.Append("Completed", job.CompletedAt.Format(time.RFC3339))
	}
	if job.ExitCode != nil {
		table.Append("Exit code", fmt.Sprintf("%d", *job.ExitCode))
	}
	if job.RetryCount > 0 {
		table.Append("Retries", fmt.Sprintf("%d", job.RetryCount))
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}

	table.Render()
}

func listAllJobs() error {
	path := "/api/v1/jobs"
	if stateFilter != "" {
		path += "?state=" + stateFilter
	}

	body, err := apiCall("GET", path, nil)
	if err != nil {
		return err
	}

	var jobs []*models.Job
	if err := json.Unmarshal(body, &jobs); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job #", "Name", "Status", "Queue", "Exit", "Created")

	for _, job := range jobs {
		exit := "-"
		if job.ExitCode != nil {
			exit = fmt.Sprintf("%d", *job.ExitCode)
		}
		table.Append(
			fmt.Sprintf("%d", job.SequenceNumber),
			job.Name(),
			string(job.Status),
			job.Directives.Queue,
			exit,
			job.CreatedAt.Format("2006-01-02 15:04:05"),
		)
	}

	table.Render()
	fmt.Printf("\nTotal: %d jobs\n", len(jobs))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	body, err := apiCall("POST", "/api/v1/jobs/"+args[0]+"/cancel", nil)
	if err != nil {
		return err
	}

	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job %d canceled\n", job.SequenceNumber)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	body, err := apiCall("POST", "/api/v1/jobs/"+args[0]+"/retry", nil)
	if err != nil {
		return err
	}

	var job models.Job
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(job)
	}
	fmt.Printf("Job %d requeued (retry %d)\n", job.SequenceNumber, job.RetryCount)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	path := "/api/v1/jobs/" + args[0] + "/logs"
	if logStream == "stderr" {
		path += "?stream=stderr"
	}

	body, err := apiCall("GET", path, nil)
	if err != nil {
		return err
	}
	os.Stdout.Write(body)
	return nil
}
