// Package retention trims grown JSONL output files and ages out their
// backups.
//
// A session is a contiguous run of lines sharing the same raw
// crawl_start_datetime value. Trimming keeps the newest sessions, rewrites
// the file atomically, and leaves the original behind as a timestamped
// backup. Files owned by a live tailer are never touched.
package retention

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crawlplane/internal/clock"
	"crawlplane/internal/config"
	"crawlplane/internal/logging"
	"crawlplane/internal/payload"
)

const (
	backupMarker = ".backup_"
	backupLayout = "20060102T150405Z"
)

// ActiveFiles reports which output files currently have a live tailer.
// The dispatcher implements it.
type ActiveFiles interface {
	ActiveOutputFiles() map[string]string
}

// Manager runs the periodic retention sweep over the data directory.
type Manager struct {
	cfg    config.Config
	active ActiveFiles
	clk    *clock.Clock
	logger *slog.Logger
}

// New creates a retention manager.
func New(cfg config.Config, active ActiveFiles, clk *clock.Clock, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		active: active,
		clk:    clk,
		logger: logging.Default(logger).With("component", "retention"),
	}
}

// Sweep walks the data directory once, trimming oversized output files and
// deleting expired backups. The core schedules it on the retention interval.
func (m *Manager) Sweep(ctx context.Context) error {
	live := map[string]bool{}
	if m.active != nil {
		for _, path := range m.active.ActiveOutputFiles() {
			live[path] = true
		}
	}

	return filepath.WalkDir(m.cfg.DataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		switch {
		case strings.Contains(name, backupMarker):
			m.sweepBackup(path, d)
		case strings.HasPrefix(name, "results_") && strings.HasSuffix(name, ".jsonl"):
			if live[path] {
				return nil
			}
			if err := m.trimFile(path); err != nil {
				m.logger.Error("failed to trim output file", "path", path, "error", err)
			}
		}
		return nil
	})
}

// trimFile rewrites path keeping only the newest keep_sessions sessions
// when the file exceeds max_jsonl_lines. The original survives as a
// timestamped backup.
func (m *Manager) trimFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines, partial := splitLines(data)
	if len(lines) <= m.cfg.MaxJSONLLines {
		return nil
	}

	sessions := groupSessions(lines)
	keep := m.cfg.KeepSessions
	if keep <= 0 {
		keep = 1
	}
	if len(sessions) <= keep {
		return nil
	}
	kept := sessions[len(sessions)-keep:]

	var b strings.Builder
	total := 0
	for _, s := range kept {
		for _, line := range s.lines {
			b.WriteString(line)
			b.WriteByte('\n')
			total++
		}
	}
	// A trailing partial line belongs to the newest session; carry it.
	b.WriteString(partial)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return err
	}
	backup := path + backupMarker + m.clk.Now().Format(backupLayout)
	if err := os.Rename(path, backup); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace after backup: %w", err)
	}

	m.logger.Info("trimmed output file",
		"path", path, "sessions_kept", keep, "lines_kept", total,
		"lines_dropped", len(lines)-total, "backup", backup)
	return nil
}

// sweepBackup deletes a backup file older than max_backup_age. The age
// comes from the filename suffix, falling back to the modification time.
func (m *Manager) sweepBackup(path string, d fs.DirEntry) {
	var created time.Time
	if i := strings.LastIndex(path, backupMarker); i >= 0 {
		if t, err := time.Parse(backupLayout, path[i+len(backupMarker):]); err == nil {
			created = t
		}
	}
	if created.IsZero() {
		info, err := d.Info()
		if err != nil {
			return
		}
		created = info.ModTime()
	}

	if m.clk.Now().Sub(created) <= m.cfg.MaxBackupAge {
		return
	}
	if err := os.Remove(path); err != nil {
		m.logger.Warn("failed to delete expired backup", "path", path, "error", err)
		return
	}
	m.logger.Info("deleted expired backup", "path", path, "age", m.clk.Now().Sub(created))
}

// session is a contiguous run of lines sharing one raw crawl_start value.
type session struct {
	key   string
	lines []string
}

// splitLines separates complete lines from a trailing partial line.
func splitLines(data []byte) ([]string, string) {
	s := string(data)
	var partial string
	if n := strings.LastIndexByte(s, '\n'); n < 0 {
		return nil, s
	} else if n != len(s)-1 {
		partial = s[n+1:]
		s = s[:n+1]
	}
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil, partial
	}
	return strings.Split(s, "\n"), partial
}

// groupSessions walks lines in order, starting a new session whenever the
// raw crawl_start_datetime changes. Lines that fail to parse stay with the
// session they appear in.
func groupSessions(lines []string) []session {
	var sessions []session
	for _, line := range lines {
		key, ok := crawlStartOf(line)
		if len(sessions) == 0 {
			sessions = append(sessions, session{key: key})
		} else if ok && sessions[len(sessions)-1].key != key {
			sessions = append(sessions, session{key: key})
		}
		last := &sessions[len(sessions)-1]
		last.lines = append(last.lines, line)
	}
	return sessions
}

func crawlStartOf(line string) (string, bool) {
	v, err := payload.Parse([]byte(line))
	if err != nil {
		return "", false
	}
	raw, ok := v.CrawlStartRaw()
	if !ok {
		return "", false
	}
	return raw, true
}
