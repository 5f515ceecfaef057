// Package extractor drives the external firmware-extraction tools
// (unblob, binwalk) that produce the candidate directory trees the rest
// of the pipeline unifies. Invoking them correctly — and not stalling
// forever waiting on one that hangs — is in scope even though their
// internal heuristics are not (spec §1, §5).
package extractor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxWait is how long Run waits for the first extractor to
// finish before giving up entirely (spec §5).
const DefaultMaxWait = 600 * time.Second

// DefaultFollowUpWait is how long Run waits for the remaining
// extractors once at least one has finished (spec §5).
const DefaultFollowUpWait = 120 * time.Second

// Result is one extractor's outcome.
type Result struct {
	Extractor string
	OutputDir string // scratchDir/<extractor>, valid even on Err
	LogPath   string
	Err       error
}

// Run launches one child process per entry in extractors, each writing
// its output tree to its own subdirectory of scratchDir and its
// combined stdout/stderr to a log file alongside it. It waits up to
// maxWait for the first result; once any extractor finishes, it gives
// the rest at most followUpWait before killing whatever is still
// running. Results are collected in a single mutex-guarded map keyed by
// extractor name and returned in the order the extractors were given,
// not completion order.
func Run(ctx context.Context, infile string, extractors []string, scratchDir string, maxWait, followUpWait time.Duration) ([]Result, error) {
	if len(extractors) == 0 {
		return nil, fmt.Errorf("extractor: no extractors specified")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu      sync.Mutex
		results = make(map[string]Result, len(extractors))
	)

	done := make(chan struct{}, len(extractors))
	for _, name := range extractors {
		name := name
		go func() {
			r := runOne(runCtx, name, infile, scratchDir)
			mu.Lock()
			results[name] = r
			mu.Unlock()
			done <- struct{}{}
		}()
	}

	completed := 0
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

wait:
	for completed < len(extractors) {
		select {
		case <-done:
			completed++
			if completed == 1 {
				// First result is in: give the rest followUpWait instead
				// of the original maxWait deadline.
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(followUpWait)
			}
		case <-timer.C:
			cancel() // terminate whatever children are still running
			break wait
		}
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Result, 0, len(extractors))
	for _, name := range extractors {
		if r, ok := results[name]; ok {
			out = append(out, r)
		} else {
			out = append(out, Result{
				Extractor: name,
				OutputDir: filepath.Join(scratchDir, name),
				Err:       fmt.Errorf("extractor %s: timed out waiting for completion", name),
			})
		}
	}
	return out, nil
}

func runOne(ctx context.Context, name, infile, scratchDir string) Result {
	outDir := filepath.Join(scratchDir, name)
	logPath := filepath.Join(scratchDir, name+".log")

	r := Result{Extractor: name, OutputDir: outDir, LogPath: logPath}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		r.Err = fmt.Errorf("extractor %s: create output dir: %w", name, err)
		return r
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		r.Err = fmt.Errorf("extractor %s: create log: %w", name, err)
		return r
	}
	defer func() { _ = logFile.Close() }()

	args, err := commandArgs(name, infile, outDir, logPath)
	if err != nil {
		r.Err = err
		return r
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Run(); err != nil {
		r.Err = fmt.Errorf("extractor %s: %w", name, err)
	}
	return r
}

// commandArgs maps an extractor identifier to the binary and flags that
// invoke it against infile, writing its tree into outDir and its own
// log into logPath (fw2tar's extractors are invoked with an explicit
// --log path rather than relying on exec's stdout/stderr capture alone).
func commandArgs(name, infile, outDir, logPath string) ([]string, error) {
	switch name {
	case "unblob":
		return []string{"unblob", "--log", logPath, "--extract-dir", outDir, infile}, nil
	case "binwalk":
		return []string{
			"binwalk", "--run-as=root", "--preserve-symlinks",
			"-eM", "--log", logPath, "-q", infile, "-C", outDir,
		}, nil
	default:
		return nil, fmt.Errorf("extractor: unknown extractor %q", name)
	}
}
