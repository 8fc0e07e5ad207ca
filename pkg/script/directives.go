package script

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/batchd/pkg/models"
)

// DirectivePrefix marks a scheduler directive line in a job script,
// e.g. "#BATCH --mem=400gb"
const DirectivePrefix = "#BATCH"

// Parse reads scheduler directives from the header of a job script.
// Scanning stops at the first line that is neither blank, a comment,
// nor a shebang; directives below that point are shell comments and
// are ignored, matching batch scheduler convention.
func Parse(r io.Reader) (models.Directives, error) {
	d := models.Directives{}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" {
			continue
		}
		if lineNo == 1 && strings.HasPrefix(line, "#!") {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break // end of header block
		}
		if !strings.HasPrefix(line, DirectivePrefix) {
			continue // ordinary comment
		}

		args := strings.Fields(strings.TrimPrefix(line, DirectivePrefix))
		if err := applyArgs(&d, args, lineNo); err != nil {
			return models.Directives{}, err
		}
	}
	if err := scanner.Err(); err != nil {
		return models.Directives{}, fmt.Errorf("failed to read script: %w", err)
	}

	return d, nil
}

// ParseFile parses directives from a script on disk
func ParseFile(path string) (models.Directives, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.Directives{}, fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

func applyArgs(d *models.Directives, args []string, lineNo int) error {
	for _, arg := range args {
		key := arg
		value := ""
		if idx := strings.Index(arg, "="); idx >= 0 {
			key = arg[:idx]
			value = arg[idx+1:]
		}

		if err := applyDirective(d, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	return nil
}

func applyDirective(d *models.Directives, key, value string) error {
	switch key {
	case "--job-name":
		d.JobName = value
	case "--mem":
		bytes, err := ParseMemory(value)
		if err != nil {
			return err
		}
		d.MemoryLimitBytes = bytes
	case "--time":
		walltime, err := ParseWalltime(value)
		if err != nil {
			return err
		}
		d.Walltime = walltime
	case "--mail-type":
		policy, err := parseNotifyPolicy(value)
		if err != nil {
			return err
		}
		d.NotifyPolicy = policy
	case "--mail-user":
		d.NotifyAddress = value
	case "--output":
		d.StdoutPath = value
	case "--error":
		d.StderrPath = value
	case "--partition":
		d.Queue = value
	case "--priority":
		d.Priority = value
	case "--ntasks":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid --ntasks value %q", value)
		}
		d.Ranks = n
	case "--module":
		if value == "" {
			return fmt.Errorf("--module requires a value")
		}
		d.EnvModules = append(d.EnvModules, value)
	default:
		// Unknown directives are tolerated so scripts written for other
		// schedulers still submit.
		log.Printf("script: ignoring unknown directive %s", key)
	}
	return nil
}

// ParseMemory parses a memory size like "400gb", "512mb", "4096kb" or a
// plain byte count into bytes.
func ParseMemory(value string) (uint64, error) {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return 0, fmt.Errorf("empty memory value")
	}

	multiplier := uint64(1)
	switch {
	case strings.HasSuffix(v, "tb"):
		multiplier = 1 << 40
		v = strings.TrimSuffix(v, "tb")
	case strings.HasSuffix(v, "gb"):
		multiplier = 1 << 30
		v = strings.TrimSuffix(v, "gb")
	case strings.HasSuffix(v, "mb"):
		multiplier = 1 << 20
		v = strings.TrimSuffix(v, "mb")
	case strings.HasSuffix(v, "kb"):
		multiplier = 1 << 10
		v = strings.TrimSuffix(v, "kb")
	}

	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q", value)
	}
	return n * multiplier, nil
}

// ParseWalltime parses a wall-clock limit in "HH:MM:SS" or "D-HH:MM:SS"
// form. A bare integer is interpreted as minutes.
func ParseWalltime(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, fmt.Errorf("empty walltime value")
	}

	days := 0
	if idx := strings.Index(v, "-"); idx >= 0 {
		d, err := strconv.Atoi(v[:idx])
		if err != nil || d < 0 {
			return 0, fmt.Errorf("invalid walltime %q", value)
		}
		days = d
		v = v[idx+1:]
	}

	parts := strings.Split(v, ":")
	switch len(parts) {
	case 1:
		if days > 0 {
			// "D-HH" form
			h, err := strconv.Atoi(parts[0])
			if err != nil || h < 0 {
				return 0, fmt.Errorf("invalid walltime %q", value)
			}
			return time.Duration(days)*24*time.Hour + time.Duration(h)*time.Hour, nil
		}
		minutes, err := strconv.Atoi(parts[0])
		if err != nil || minutes < 0 {
			return 0, fmt.Errorf("invalid walltime %q", value)
		}
		return time.Duration(minutes) * time.Minute, nil
	case 3:
		h, err1 := strconv.Atoi(parts[0])
		m, err2 := strconv.Atoi(parts[1])
		s, err3 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil || err3 != nil || h < 0 || m < 0 || m > 59 || s < 0 || s > 59 {
			return 0, fmt.Errorf("invalid walltime %q", value)
		}
		return time.Duration(days)*24*time.Hour +
			time.Duration(h)*time.Hour +
			time.Duration(m)*time.Minute +
			time.Duration(s)*time.Second, nil
	default:
		return 0, fmt.Errorf("invalid walltime %q", value)
	}
}

// ExpandLogPath substitutes %j with the job sequence number and %x with
// the job name in a log path directive.
func ExpandLogPath(path string, seq int, jobName string) string {
	path = strings.ReplaceAll(path, "%j", strconv.Itoa(seq))
	path = strings.ReplaceAll(path, "%x", jobName)
	return path
}

func parseNotifyPolicy(value string) (models.NotifyPolicy, error) {
	switch strings.ToLower(value) {
	case "none", "":
		return models.NotifyNone, nil
	case "end":
		return models.NotifyEnd, nil
	case "fail":
		return models.NotifyFail, nil
	case "all":
		return models.NotifyAll, nil
	default:
		return "", fmt.Errorf("invalid --mail-type value %q", value)
	}
}
