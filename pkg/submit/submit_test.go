package submit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/psantana5/batchd/pkg/envmod"
	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/store"
)

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0700); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}
	return path
}

// TestSubmitScript_Defaults tests that directives default sensibly
func TestSubmitScript_Defaults(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	path := writeScript(t, "analysis.sh", "#!/bin/sh\ntrue\n")
	job, err := svc.SubmitScript(path, models.Directives{})
	if err != nil {
		t.Fatalf("SubmitScript failed: %v", err)
	}

	if job.Name() != "analysis" {
		t.Errorf("Expected job name from script basename, got %q", job.Name())
	}
	if job.Directives.Queue != "default" || job.Directives.Priority != "medium" {
		t.Errorf("Expected default queue and priority, got %q/%q", job.Directives.Queue, job.Directives.Priority)
	}
	if job.Directives.NotifyPolicy != models.NotifyNone {
		t.Errorf("Expected notify policy none, got %s", job.Directives.NotifyPolicy)
	}
	if job.Directives.Ranks != 1 {
		t.Errorf("Expected 1 rank by default, got %d", job.Directives.Ranks)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("Expected queued status, got %s", job.Status)
	}
	if job.SequenceNumber != 1 {
		t.Errorf("Expected sequence number 1, got %d", job.SequenceNumber)
	}
}

// TestSubmitScript_DirectivesFromHeader tests that #BATCH lines are
// honored
func TestSubmitScript_DirectivesFromHeader(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	path := writeScript(t, "job.sh", "#!/bin/sh\n#BATCH --job-name=voidfinder --mem=400gb\n#BATCH --partition=batch\ntrue\n")
	job, err := svc.SubmitScript(path, models.Directives{})
	if err != nil {
		t.Fatalf("SubmitScript failed: %v", err)
	}

	if job.Name() != "voidfinder" {
		t.Errorf("Expected job name voidfinder, got %q", job.Name())
	}
	if job.Directives.MemoryLimitBytes != 400<<30 {
		t.Errorf("Expected 400gb memory limit, got %d", job.Directives.MemoryLimitBytes)
	}
	if job.Directives.Queue != "batch" {
		t.Errorf("Expected batch queue, got %q", job.Directives.Queue)
	}
}

// TestSubmitScript_OverridesWin tests flag-over-file precedence
func TestSubmitScript_OverridesWin(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	path := writeScript(t, "job.sh", "#BATCH --job-name=from-script --priority=low\ntrue\n")
	job, err := svc.SubmitScript(path, models.Directives{JobName: "from-flag"})
	if err != nil {
		t.Fatalf("SubmitScript failed: %v", err)
	}

	if job.Name() != "from-flag" {
		t.Errorf("Expected override to win, got %q", job.Name())
	}
	if job.Directives.Priority != "low" {
		t.Errorf("Expected unoverridden directive kept, got %q", job.Directives.Priority)
	}
}

// TestSubmitScript_LogPathExpansion tests that %j and %x are expanded
// once the sequence number is known
func TestSubmitScript_LogPathExpansion(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	path := writeScript(t, "job.sh", "#BATCH --job-name=vf --output=out_%x_%j.log --error=err_%x_%j.log\ntrue\n")
	job, err := svc.SubmitScript(path, models.Directives{})
	if err != nil {
		t.Fatalf("SubmitScript failed: %v", err)
	}

	if job.Directives.StdoutPath != "out_vf_1.log" {
		t.Errorf("Expected expanded stdout path, got %q", job.Directives.StdoutPath)
	}
	if job.Directives.StderrPath != "err_vf_1.log" {
		t.Errorf("Expected expanded stderr path, got %q", job.Directives.StderrPath)
	}

	// The stored copy must carry the expanded paths too
	stored, _ := st.GetJob(job.ID)
	if stored.Directives.StdoutPath != "out_vf_1.log" {
		t.Errorf("Expected store updated with expanded path, got %q", stored.Directives.StdoutPath)
	}
}

// TestSubmit_UnknownModuleRejected tests submit-time module validation
func TestSubmit_UnknownModuleRejected(t *testing.T) {
	st := store.NewMemoryStore()

	catalog := &envmod.Catalog{Modules: map[string]envmod.Module{
		"python3": {},
	}}
	svc := NewService(st, catalog)

	path := writeScript(t, "job.sh", "#BATCH --module=python3 --module=fortran\ntrue\n")
	if _, err := svc.SubmitScript(path, models.Directives{}); err == nil {
		t.Error("Expected submission with unknown module to fail")
	}
	if len(st.GetAllJobs()) != 0 {
		t.Error("Expected no job created for rejected submission")
	}

	// Known modules pass
	ok := writeScript(t, "ok.sh", "#BATCH --module=python3\ntrue\n")
	if _, err := svc.SubmitScript(ok, models.Directives{}); err != nil {
		t.Errorf("Expected submission with known module to succeed: %v", err)
	}
}

// TestSubmit_NoCatalogRejectsModules tests that module requests fail
// without a catalog
func TestSubmit_NoCatalogRejectsModules(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	path := writeScript(t, "job.sh", "#BATCH --module=python3\ntrue\n")
	if _, err := svc.SubmitScript(path, models.Directives{}); err == nil {
		t.Error("Expected module request without a catalog to fail")
	}
}

// TestSubmit_MissingScript tests that a nonexistent script is rejected
func TestSubmit_MissingScript(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, nil)

	if _, err := svc.SubmitScript(filepath.Join(t.TempDir(), "nope.sh"), models.Directives{}); err == nil {
		t.Error("Expected missing script to be rejected")
	}
}
