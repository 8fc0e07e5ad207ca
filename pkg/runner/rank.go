package runner

import (
	"os"
	"strconv"
)

// Environment variables set for every job process. Multi-rank jobs get
// a distinct BATCHD_PROCID per rank; sub-steps launched inside a job
// carry a non-empty BATCHD_STEPID.
const (
	EnvJobID   = "BATCHD_JOB_ID"
	EnvJobName = "BATCHD_JOB_NAME"
	EnvProcID  = "BATCHD_PROCID"
	EnvStepID  = "BATCHD_STEPID"
	EnvNodeID  = "BATCHD_NODE_ID"
)

// Rank identifies one process of a multi-rank job
type Rank struct {
	Proc int    // rank number, 0 is the coordinator
	Step string // non-empty when running inside a sub-step
}

// RankFromEnv derives the rank of the current process from the
// environment. Absent variables mean rank 0 with no active sub-step,
// so a plain single-process job is always the coordinator.
func RankFromEnv() Rank {
	r := Rank{}
	if v := os.Getenv(EnvProcID); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			r.Proc = n
		}
	}
	r.Step = os.Getenv(EnvStepID)
	return r
}

// IsCoordinator reports whether this rank owns the shared diagnostic
// output: rank 0 with no active sub-step. All other ranks and all
// sub-steps stay silent.
func (r Rank) IsCoordinator() bool {
	return r.Proc == 0 && r.Step == ""
}
