package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/batchd/pkg/models"
)

// nodesCmd represents the nodes command
var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List execution nodes",
	Long:  `List the nodes registered with the batchd daemon and their capacity.`,
	RunE:  runNodes,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
}

func runNodes(cmd *cobra.Command, args []string) error {
	body, err := apiCall("GET", "/api/v1/nodes", nil)
	if err != nil {
		return err
	}

	var nodes []*models.Node
	if err := json.Unmarshal(body, &nodes); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(nodes)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Name", "Status", "Slots", "Running", "CPUs", "RAM", "Load", "Heartbeat")

	for _, node := range nodes {
		table.Append(
			node.Name,
			node.Status,
			fmt.Sprintf("%d", node.Slots),
			fmt.Sprintf("%d", len(node.CurrentJobIDs)),
			fmt.Sprintf("%d", node.CPUThreads),
			fmt.Sprintf("%d GB", node.RAMTotalBytes/(1024*1024*1024)),
			fmt.Sprintf("%.0f%%", node.LoadPercent),
			node.LastHeartbeat.Format(time.RFC3339),
		)
	}

	table.Render()
	return nil
}
