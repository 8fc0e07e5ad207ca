// Package spool implements drop-directory submission: job scripts
// written into the spool directory are parsed and enqueued, then moved
// to an archive subdirectory so they are picked up exactly once.
package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/psantana5/batchd/pkg/models"
	"github.com/psantana5/batchd/pkg/submit"
)

// settleDelay gives the writer time to finish before the script is
// parsed; fsnotify fires on the first write, not the last.
const settleDelay = 500 * time.Millisecond

// Watcher watches a spool directory for job scripts
type Watcher struct {
	dir       string
	archive   string
	submitter *submit.Service
}

// New creates a spool watcher for dir
func New(dir string, submitter *submit.Service) (*Watcher, error) {
	archive := filepath.Join(dir, "archive")
	if err := os.MkdirAll(archive, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool archive: %w", err)
	}

	return &Watcher{
		dir:       dir,
		archive:   archive,
		submitter: submitter,
	}, nil
}

// Run watches the spool directory until the context is canceled. Any
// scripts already present at startup are submitted first.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch spool dir %s: %w", w.dir, err)
	}

	w.sweep()

	log.Printf("spool: watching %s", w.dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isScript(event.Name) {
				continue
			}
			time.Sleep(settleDelay)
			w.submitFile(event.Name)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("spool: watcher error: %v", err)
		}
	}
}

// sweep submits scripts that were dropped while the daemon was down
func (w *Watcher) sweep() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Printf("spool: failed to read spool dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !isScript(entry.Name()) {
			continue
		}
		w.submitFile(filepath.Join(w.dir, entry.Name()))
	}
}

func (w *Watcher) submitFile(path string) {
	// The file may already be archived if Create and Write both fired
	if _, err := os.Stat(path); err != nil {
		return
	}

	job, err := w.submitter.SubmitScript(path, models.Directives{})
	if err != nil {
		log.Printf("spool: rejected %s: %v", filepath.Base(path), err)
		w.moveTo(path, "rejected")
		return
	}

	log.Printf("spool: submitted %s as job %d", filepath.Base(path), job.SequenceNumber)
	archived := w.moveTo(path, "")
	if archived != "" && archived != job.Script {
		// The job must point at the archived copy, not the vanished
		// spool entry.
		job.Script = archived
		if err := w.submitter.UpdateScriptPath(job); err != nil {
			log.Printf("spool: failed to update script path for job %d: %v", job.SequenceNumber, err)
		}
	}
}

// moveTo moves a spool file into the archive (or a named subdirectory)
// and returns the new path
func (w *Watcher) moveTo(path, subdir string) string {
	destDir := w.archive
	if subdir != "" {
		destDir = filepath.Join(w.archive, subdir)
		if err := os.MkdirAll(destDir, 0755); err != nil {
			log.Printf("spool: failed to create %s: %v", destDir, err)
			return ""
		}
	}

	dest := filepath.Join(destDir, fmt.Sprintf("%d-%s", time.Now().Unix(), filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		log.Printf("spool: failed to archive %s: %v", path, err)
		return ""
	}
	return dest
}

func isScript(name string) bool {
	return strings.HasSuffix(name, ".sh") || strings.HasSuffix(name, ".batch")
}
