// Package main is the mover simulator harness.
//
// Purpose: exercise moverstatusd end-to-end without a real mover binary or
// a real cache/array filesystem pair. The harness writes a PID file
// (mimicking the real mover's startup), then shrinks a synthetic "cache"
// directory's total size on a fixed cadence (mimicking files being moved
// off-cache), and finally removes the PID file (mimicking mover exit). A
// moverstatusd pointed at the harness's paths and pid_file observes the
// same create/modified/deleted transition table it would against a real
// mover.
//
// Usage:
//
//	moverstatus-sim -dir /tmp/moverstatus-sim -pid-file /tmp/moverstatus-sim/mover.pid \
//	    -files 200 -file-size 1048576 -steps 20 -interval 1s
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	dir := flag.String("dir", filepath.Join(os.TempDir(), "moverstatus-sim"), "Synthetic cache directory")
	pidFile := flag.String("pid-file", "", "PID file path (default: <dir>/mover.pid)")
	files := flag.Int("files", 200, "Number of synthetic cache files to seed")
	fileSize := flag.Int64("file-size", 1<<20, "Size in bytes of each seeded file")
	steps := flag.Int("steps", 20, "Number of shrink steps")
	interval := flag.Duration("interval", 1*time.Second, "Delay between shrink steps")
	pid := flag.Int("pid", os.Getpid(), "PID value written to the PID file")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed for per-step shrink jitter")
	flag.Parse()

	if *pidFile == "" {
		*pidFile = filepath.Join(*dir, "mover.pid")
	}

	rng := rand.New(rand.NewSource(*seed))

	if err := run(*dir, *pidFile, *files, *fileSize, *steps, *interval, *pid, rng); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(dir, pidFile string, numFiles int, fileSize int64, steps int, interval time.Duration, pid int, rng *rand.Rand) error {
	if err := seedFiles(dir, numFiles, fileSize); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Printf("seeded %d files (%d bytes each) under %s\n", numFiles, fileSize, dir)

	if err := writePIDFile(pidFile, pid); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	fmt.Printf("wrote pid file %s (pid=%d)\n", pidFile, pid)

	remaining := make([]string, 0, numFiles)
	for i := 0; i < numFiles; i++ {
		remaining = append(remaining, filepath.Join(dir, fmt.Sprintf("cache-%04d.bin", i)))
	}

	perStep := numFiles / steps
	if perStep < 1 {
		perStep = 1
	}

	fmt.Println("step,files_removed,files_remaining,bytes_remaining")
	for s := 0; s < steps && len(remaining) > 0; s++ {
		n := perStep
		// Jitter the batch size so the resulting progress curve is not
		// perfectly linear (exercises the estimator's non-adaptive paths).
		jitter := rng.Intn(perStep + 1)
		n += jitter
		if n > len(remaining) {
			n = len(remaining)
		}

		for i := 0; i < n; i++ {
			if err := os.Remove(remaining[i]); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove %s: %w", remaining[i], err)
			}
		}
		remaining = remaining[n:]

		fmt.Printf("%d,%d,%d,%d\n", s, n, len(remaining), int64(len(remaining))*fileSize)
		time.Sleep(interval)
	}

	if err := os.Remove(pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	fmt.Printf("removed pid file %s, simulation complete\n", pidFile)
	return nil
}

// seedFiles (re)creates dir and populates it with numFiles files of
// fileSize bytes each. Existing contents are removed first so repeated
// runs start from a clean baseline.
func seedFiles(dir string, numFiles int, fileSize int64) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	buf := make([]byte, fileSize)
	for i := 0; i < numFiles; i++ {
		path := filepath.Join(dir, fmt.Sprintf("cache-%04d.bin", i))
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}
