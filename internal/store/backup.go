package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/binancepipe/internal/model"
)

// BackupConfig parameterizes BackupScheduler per spec.md §4.12.
type BackupConfig struct {
	SourcePath  string
	TargetDir   string
	Interval    time.Duration
	SingleFile  bool
	DailyDays   int
	WeeklyWeeks int
}

// DefaultBackupConfig returns the {dailyDays: 7, weeklyWeeks: 1} variant.
func DefaultBackupConfig(sourcePath, targetDir string) BackupConfig {
	return BackupConfig{
		SourcePath:  sourcePath,
		TargetDir:   targetDir,
		Interval:    time.Hour,
		DailyDays:   7,
		WeeklyWeeks: 1,
	}
}

// BackupScheduler copies the primary store to a backup directory on an
// interval, enforces retention (daily window + one-per-ISO-week window),
// and prunes aged rows from the primary store. Grounded on the
// run-immediately-then-ticker / cursor-rotate idiom of
// ndrandal-feed-simulator's internal/archive.Archiver.
type BackupScheduler struct {
	cfg   BackupConfig
	store *Store

	mu      sync.Mutex
	running bool
}

// NewBackupScheduler builds a scheduler over store using cfg.
func NewBackupScheduler(store *Store, cfg BackupConfig) *BackupScheduler {
	return &BackupScheduler{cfg: cfg, store: store}
}

// Run executes one cycle immediately, then every cfg.Interval, until ctx is
// cancelled. A cycle still in flight when the next tick fires is skipped
// (spec.md §4.12 step 6).
func (b *BackupScheduler) Run(ctx context.Context) {
	b.runCycle(ctx)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.runCycle(ctx)
		}
	}
}

func (b *BackupScheduler) runCycle(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		log.Warn().Msg("backup: previous cycle still in flight, skipping")
		return
	}
	b.running = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	if err := b.cycle(ctx); err != nil {
		log.Error().Err(err).Msg("backup cycle failed")
	}
}

func (b *BackupScheduler) cycle(ctx context.Context) error {
	if _, err := os.Stat(b.cfg.SourcePath); err != nil {
		return fmt.Errorf("backup: source unreadable: %w", err)
	}
	if err := os.MkdirAll(b.cfg.TargetDir, 0o755); err != nil {
		return fmt.Errorf("backup: create target dir: %w", err)
	}

	now := timeNow()
	dest := b.destPath(now)
	if err := copyFile(b.cfg.SourcePath, dest); err != nil {
		return fmt.Errorf("backup: copy: %w", err)
	}
	if info, err := os.Stat(dest); err == nil {
		log.Info().Str("path", dest).Int64("bytes", info.Size()).Msg("backup written")
	}

	if !b.cfg.SingleFile {
		if err := b.enforceRetention(now); err != nil {
			log.Error().Err(err).Msg("backup: retention enforcement failed")
		}
	}

	if err := b.pruneStore(ctx, now); err != nil {
		log.Error().Err(err).Msg("backup: store pruning failed")
	}

	return nil
}

func (b *BackupScheduler) destPath(now time.Time) string {
	if b.cfg.SingleFile {
		return filepath.Join(b.cfg.TargetDir, "binance_data.sqlite")
	}
	return filepath.Join(b.cfg.TargetDir, fmt.Sprintf("binance_data_%s.sqlite", now.UTC().Format("20060102T150405Z")))
}

// enforceRetention applies spec.md §4.12 step 4: keep everything newer than
// now-dailyDays; within [now-weeklyWeeks*7d, now-dailyDays] keep exactly one
// (the newest) file per ISO week; delete everything older than
// now-weeklyWeeks*7d.
func (b *BackupScheduler) enforceRetention(now time.Time) error {
	entries, err := os.ReadDir(b.cfg.TargetDir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}

	type file struct {
		path string
		mod  time.Time
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "binance_data_") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(b.cfg.TargetDir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	dailyCutoff := now.Add(-time.Duration(b.cfg.DailyDays) * 24 * time.Hour)
	weeklyCutoff := now.Add(-time.Duration(b.cfg.WeeklyWeeks) * 7 * 24 * time.Hour)

	bestPerWeek := make(map[string]file)
	for _, f := range files {
		if !f.mod.Before(dailyCutoff) {
			continue // within daily window: always kept
		}
		if f.mod.Before(weeklyCutoff) {
			if err := os.Remove(f.path); err != nil {
				log.Error().Err(err).Str("path", f.path).Msg("backup: failed to remove expired file")
			}
			continue
		}
		year, week := f.mod.ISOWeek()
		wk := fmt.Sprintf("%d-W%02d", year, week)
		if existing, ok := bestPerWeek[wk]; !ok || f.mod.After(existing.mod) {
			bestPerWeek[wk] = f
		}
	}

	keep := make(map[string]bool)
	for _, f := range bestPerWeek {
		keep[f.path] = true
	}
	for _, f := range files {
		if f.mod.Before(dailyCutoff) && !f.mod.Before(weeklyCutoff) && !keep[f.path] {
			if err := os.Remove(f.path); err != nil {
				log.Error().Err(err).Str("path", f.path).Msg("backup: failed to remove superseded weekly file")
			}
		}
	}
	return nil
}

// pruneStore deletes OHLCV and ratio rows older than 7 days (spec.md §4.12
// step 5).
func (b *BackupScheduler) pruneStore(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-7 * 24 * time.Hour).UnixMilli()

	for _, interval := range []model.CandleInterval{model.Interval1m, model.Interval30m, model.Interval1d} {
		if _, err := b.store.PruneCandles(ctx, interval, cutoff); err != nil {
			return fmt.Errorf("prune candles %s: %w", interval, err)
		}
	}
	if _, err := b.store.PruneRatios(ctx, cutoff); err != nil {
		return fmt.Errorf("prune ratios: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// timeNow is a package-level indirection so tests can pin the clock.
var timeNow = time.Now
