package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agent-relay/relay/internal/protocol"
)

const (
	// snapshotVersion is bumped when the schema changes. A file with any
	// other version is ignored entirely; there is no migration.
	snapshotVersion = 1

	snapshotFileName = "sessions.json"
	appDirName       = "agent-relay"
)

// snapshotFile is the on-disk schema. Timestamps are epoch milliseconds.
// Event bodies are deliberately excluded to bound file size; only the count
// survives in the file.
type snapshotFile struct {
	Version  int               `json:"version"`
	SavedAt  int64             `json:"savedAt"`
	Sessions []snapshotSession `json:"sessions"`
}

type snapshotSession struct {
	ID             string   `json:"id"`
	Cwd            string   `json:"cwd"`
	Model          string   `json:"model,omitempty"`
	Args           []string `json:"args,omitempty"`
	TranscriptPath string   `json:"transcriptPath,omitempty"`
	StartedAt      int64    `json:"startedAt"`
	LastActivity   int64    `json:"lastActivity"`
	Status         string   `json:"status"`
	EventCount     int      `json:"eventCount"`
}

// Snapshotter reads and writes the session metadata snapshot.
type Snapshotter struct {
	dir      string
	filename string
}

// NewSnapshotter creates a Snapshotter rooted at dir. The directory is
// created on the first Save if it does not exist. Empty strings select the
// default XDG state path and filename.
func NewSnapshotter(dir, filename string) *Snapshotter {
	if dir == "" {
		dir = defaultStateDir()
	}
	if filename == "" {
		filename = snapshotFileName
	}
	return &Snapshotter{dir: dir, filename: filename}
}

// Path returns the full path to the snapshot file.
func (p *Snapshotter) Path() string {
	return filepath.Join(p.dir, p.filename)
}

// Load reads the snapshot. A missing file or a version mismatch yields no
// sessions and no error; the caller decides what restoring means.
func (p *Snapshotter) Load() ([]*Session, error) {
	data, err := os.ReadFile(p.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var file snapshotFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return nil, nil
	}

	sessions := make([]*Session, 0, len(file.Sessions))
	for _, ss := range file.Sessions {
		status, ok := statusFromName[ss.Status]
		if !ok {
			status = Ended
		}
		sessions = append(sessions, &Session{
			ID:             ss.ID,
			Cwd:            ss.Cwd,
			Model:          ss.Model,
			Args:           ss.Args,
			TranscriptPath: ss.TranscriptPath,
			StartedAt:      protocol.FromMillis(ss.StartedAt),
			LastActivity:   protocol.FromMillis(ss.LastActivity),
			Status:         status,
		})
	}
	return sessions, nil
}

// Save writes the snapshot using an atomic temp-file-then-rename pattern.
// The directory is created if it does not already exist.
func (p *Snapshotter) Save(sessions []*Session) error {
	if err := os.MkdirAll(p.dir, 0o700); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	file := snapshotFile{
		Version: snapshotVersion,
		SavedAt: protocol.Millis(time.Now()),
	}
	for _, sess := range sessions {
		file.Sessions = append(file.Sessions, snapshotSession{
			ID:             sess.ID,
			Cwd:            sess.Cwd,
			Model:          sess.Model,
			Args:           sess.Args,
			TranscriptPath: sess.TranscriptPath,
			StartedAt:      protocol.Millis(sess.StartedAt),
			LastActivity:   protocol.Millis(sess.LastActivity),
			Status:         sess.Status.String(),
			EventCount:     len(sess.Events),
		})
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(p.dir, ".sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p.Path()); err != nil {
		return fmt.Errorf("renaming snapshot file: %w", err)
	}
	committed = true

	return nil
}

// Clear removes the snapshot file. Removing a file that is already gone is
// not an error.
func (p *Snapshotter) Clear() error {
	if err := os.Remove(p.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing snapshot: %w", err)
	}
	return nil
}

// defaultStateDir returns ~/.local/state/agent-relay, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
