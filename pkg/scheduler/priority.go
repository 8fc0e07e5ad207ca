package scheduler

import (
	"sort"

	"github.com/psantana5/batchd/pkg/models"
)

// GetPriorityWeight returns the numeric weight for a priority level
func GetPriorityWeight(priority string) int {
	switch priority {
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 2
	}
}

// GetQueueWeight returns the numeric weight for a queue
func GetQueueWeight(queue string) int {
	switch queue {
	case "interactive":
		return 10
	case "default":
		return 5
	case "batch":
		return 1
	default:
		return 5
	}
}

// SortJobsByPriority orders jobs by queue weight, then priority, then
// FIFO on creation time within the same class.
func SortJobsByPriority(jobs []*models.Job) []*models.Job {
	if len(jobs) == 0 {
		return jobs
	}

	sorted := make([]*models.Job, len(jobs))
	copy(sorted, jobs)

	sort.Slice(sorted, func(i, j int) bool {
		scoreI := GetQueueWeight(sorted[i].Directives.Queue)*10 + GetPriorityWeight(sorted[i].Directives.Priority)
		scoreJ := GetQueueWeight(sorted[j].Directives.Queue)*10 + GetPriorityWeight(sorted[j].Directives.Priority)

		if scoreI != scoreJ {
			return scoreI > scoreJ
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	return sorted
}
