// Package diagnostics tracks per-inode consecutive failure counts and
// performs the checkpoint diagnostic spec.md §4.8 describes: at retry #10,
// a one-shot inspection of kernel logs and mount state, recorded as a
// structured event in medium.problems. It also decides terminal-state
// promotion (EXCLUDED / MAX_RETRIES_EXCEEDED).
package diagnostics

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/vm-wylbur/ntt-copier/internal/model"
)

// CheckpointRetry is the consecutive-failure count at which the one-shot
// kernel-log / mount-state diagnostic runs (spec.md §4.8: "retry #10").
const CheckpointRetry = 10

// TerminalRepeatCount is the number of identical trailing errors that
// promotes an inode to EXCLUDED: persistent_failure (spec.md §4.8, §7).
const TerminalRepeatCount = 3

// ProblemRecorder persists one structured diagnostic event for a medium.
type ProblemRecorder interface {
	AppendProblem(ctx context.Context, mediumID string, event map[string]any) error
}

// Tracker counts consecutive failures per (medium_id, inode_number) for one
// worker process's lifetime and runs the checkpoint diagnostic once per
// inode when the count first reaches CheckpointRetry.
type Tracker struct {
	mu        sync.Mutex
	counts    map[string]int
	recorder  ProblemRecorder
	kernelLog string // e.g. "/var/log/kern.log", empty disables the scan
}

// New builds a Tracker. kernelLogPath is the file the checkpoint diagnostic
// tails for media error patterns; pass "" to skip that part of the check.
func New(recorder ProblemRecorder, kernelLogPath string) *Tracker {
	return &Tracker{
		counts:    make(map[string]int),
		recorder:  recorder,
		kernelLog: kernelLogPath,
	}
}

func key(mediumID string, inodeNumber int64) string {
	return fmt.Sprintf("%s/%d", mediumID, inodeNumber)
}

// RecordFailure increments the consecutive-failure counter for one inode
// and, on the retry reaching CheckpointRetry, runs the one-shot diagnostic.
func (t *Tracker) RecordFailure(ctx context.Context, mediumID string, inodeNumber int64, mountPath string) {
	t.mu.Lock()
	k := key(mediumID, inodeNumber)
	t.counts[k]++
	n := t.counts[k]
	t.mu.Unlock()

	if n == CheckpointRetry {
		t.runCheckpoint(ctx, mediumID, inodeNumber, mountPath)
	}
}

// ClearInode drops the in-memory counter once an inode reaches a terminal
// state, so a subsequent reuse of the same inode number (should it ever
// occur) starts fresh.
func (t *Tracker) ClearInode(mediumID string, inodeNumber int64) {
	t.mu.Lock()
	delete(t.counts, key(mediumID, inodeNumber))
	t.mu.Unlock()
}

func (t *Tracker) runCheckpoint(ctx context.Context, mediumID string, inodeNumber int64, mountPath string) {
	event := map[string]any{
		"type":         "checkpoint_diagnostic",
		"medium_id":    mediumID,
		"inode_number": inodeNumber,
		"at":           time.Now().UTC().Format(time.RFC3339),
	}

	if mountPath != "" {
		if _, err := os.Stat(mountPath); err != nil {
			event["mount_stat_error"] = err.Error()
		} else {
			event["mount_ok"] = true
		}
	}

	if t.kernelLog != "" {
		if hits := scanKernelLog(t.kernelLog); len(hits) > 0 {
			event["kernel_log_matches"] = hits
		}
	}

	if t.recorder != nil {
		_ = t.recorder.AppendProblem(ctx, mediumID, event)
	}
}

// scanKernelLog tails the last ~50 lines of the kernel log for the media
// error patterns spec.md §4.8 names, using the same "read the tail of a
// system log" shape the privileged mount helper would use for dmesg.
func scanKernelLog(path string) []string {
	const tailLines = 50
	patterns := []string{"beyond eof", "fat-fs", "i/o error"}

	lines, err := tailFile(path, tailLines)
	if err != nil {
		return nil
	}

	var hits []string
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				hits = append(hits, strings.TrimSpace(line))
				break
			}
		}
	}
	return hits
}

func tailFile(path string, n int) ([]string, error) {
	if path == "dmesg" {
		out, err := exec.Command("dmesg").CombinedOutput()
		if err != nil {
			return nil, err
		}
		return lastLines(strings.Split(string(out), "\n"), n), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var all []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		all = append(all, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lastLines(all, n), nil
}

func lastLines(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// IsTerminalRepeat reports whether the last TerminalRepeatCount entries of
// errs are identical, the condition that promotes an inode to
// EXCLUDED: persistent_failure (spec.md §4.8, §7).
func IsTerminalRepeat(errs []string) bool {
	if len(errs) < TerminalRepeatCount {
		return false
	}
	tail := errs[len(errs)-TerminalRepeatCount:]
	for _, e := range tail[1:] {
		if e != tail[0] {
			return false
		}
	}
	return true
}

// PromoteTerminal decides the claimed_by sentinel for an inode whose errors
// list just grew by one entry, or "" if it should simply be released for
// retry (spec.md §4.8, §7).
func PromoteTerminal(errs []string, maxRetries int) string {
	if len(errs) >= maxRetries {
		return model.ClaimSentinelMaxRetries
	}
	if IsTerminalRepeat(errs) {
		return model.ExcludedClaim("persistent_failure")
	}
	return ""
}
