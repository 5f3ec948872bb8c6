package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/chatkg/pkg/common"
	"github.com/OFFIS-RIT/chatkg/pkg/graph"
	"github.com/OFFIS-RIT/chatkg/pkg/logger"
	"github.com/OFFIS-RIT/chatkg/pkg/triplelog"
)

// File names inside an iteration directory.
const (
	LogFile   = "knowledge_graph.json"
	StoreFile = "graph.json"
	StateFile = "state.json"
)

var (
	iterationDir = regexp.MustCompile(`^iteration_v(\d+)$`)
	projectDir   = regexp.MustCompile(`^project_v(\d+)$`)
)

// ErrNoCheckpoint is returned when a project has no committed version.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// PersistenceError reports a failed checkpoint write. The version it was
// writing is not committed.
type PersistenceError struct {
	Op      string
	Version int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("checkpoint %s v%d: %v", e.Op, e.Version, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Round records the outcome of one committed iteration.
type Round struct {
	Version     int     `json:"version"`
	Ratio       float64 `json:"ratio"`
	Lines       int     `json:"lines"`
	FailedLines int     `json:"failed_lines"`
	Triples     int     `json:"triples"`
}

// State is everything besides the store needed to continue a build.
type State struct {
	Version    int       `json:"version"`
	Cursor     int       `json:"cursor"`
	Records    int       `json:"records"`
	Rounds     []Round   `json:"rounds"`
	EdgePolicy string    `json:"edge_policy"`
	RunID      string    `json:"run_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Ratios returns the extend ratio history in round order.
func (s State) Ratios() []float64 {
	out := make([]float64, len(s.Rounds))
	for i, r := range s.Rounds {
		out[i] = r.Ratio
	}
	return out
}

// Snapshot is one committed version.
type Snapshot struct {
	State State
	Store *common.Store
	// Records are the triple log entries merged by this version. Save appends
	// them to the previous version's log. Load leaves them empty.
	Records []triplelog.Record
	// Dir is the iteration directory, set by Save and Load.
	Dir string
	// Previous is the directory of the version this one extends. Its log is
	// the start of this version's log. Defaults to Dir(Version-1) of the FS
	// being written.
	Previous string
}

// Mirror receives a copy of every committed file.
type Mirror interface {
	Upload(ctx context.Context, version int, name string, data []byte) error
}

// FS stores versions of one project below Root as iteration_v<N> directories.
type FS struct {
	Root   string
	Mirror Mirror
}

// NewFS returns a checkpoint store rooted at dir.
func NewFS(dir string) *FS {
	return &FS{Root: dir}
}

// Dir returns the directory of version.
func (f *FS) Dir(version int) string {
	return filepath.Join(f.Root, fmt.Sprintf("iteration_v%d", version))
}

// Save writes snap as version snap.State.Version. All files are written to
// a temporary directory, mirrored if a Mirror is set, and then renamed into
// place. An existing directory for the same version is replaced.
func (f *FS) Save(ctx context.Context, snap *Snapshot) (string, error) {
	v := snap.State.Version
	fail := func(op string, err error) (string, error) {
		return "", &PersistenceError{Op: op, Version: v, Err: err}
	}

	if err := os.MkdirAll(f.Root, 0o755); err != nil {
		return fail("mkdir", err)
	}
	tmp, err := os.MkdirTemp(f.Root, fmt.Sprintf(".iteration_v%d-", v))
	if err != nil {
		return fail("mkdir", err)
	}
	defer os.RemoveAll(tmp)

	logPath := filepath.Join(tmp, LogFile)
	if v > 0 {
		prev := snap.Previous
		if prev == "" {
			prev = f.Dir(v - 1)
		}
		if err := copyFile(filepath.Join(prev, LogFile), logPath); err != nil {
			return fail("copy log", err)
		}
	}
	if err := triplelog.Append(logPath, snap.Records); err != nil {
		return fail("write log", err)
	}
	if err := graph.WriteStore(filepath.Join(tmp, StoreFile), snap.Store); err != nil {
		return fail("write store", err)
	}
	state, err := json.MarshalIndent(snap.State, "", "  ")
	if err != nil {
		return fail("encode state", err)
	}
	if err := graph.WriteFileAtomic(filepath.Join(tmp, StateFile), state); err != nil {
		return fail("write state", err)
	}

	if f.Mirror != nil {
		for _, name := range []string{LogFile, StoreFile, StateFile} {
			data, err := os.ReadFile(filepath.Join(tmp, name))
			if err != nil {
				return fail("mirror", err)
			}
			if err := f.Mirror.Upload(ctx, v, name, data); err != nil {
				return fail("mirror", err)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return fail("commit", err)
	}

	final := f.Dir(v)
	var old string
	if _, err := os.Stat(final); err == nil {
		old = fmt.Sprintf("%s.old-%d", final, time.Now().UnixNano())
		if err := os.Rename(final, old); err != nil {
			return fail("commit", err)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		if old != "" {
			_ = os.Rename(old, final)
		}
		return fail("commit", err)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			logger.Warn("[Checkpoint] failed to remove replaced version", "dir", old, "err", err)
		}
	}

	snap.Dir = final
	logger.Debug("[Checkpoint] committed", "version", v, "dir", final)
	f.archiveReplaced(v, snap.State.RunID)
	return final, nil
}

// ReplacedDir holds versions of earlier runs that a newer run overwrote.
const ReplacedDir = ".replaced"

// archiveReplaced moves versions above v that belong to another run out of
// the project, so that Latest only sees the lineage committed last.
func (f *FS) archiveReplaced(v int, runID string) {
	entries, err := os.ReadDir(f.Root)
	if err != nil {
		logger.Warn("[Checkpoint] failed to list versions", "root", f.Root, "err", err)
		return
	}
	stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
	for _, e := range entries {
		m := iterationDir.FindStringSubmatch(e.Name())
		if !e.IsDir() || m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= v {
			continue
		}
		dir := filepath.Join(f.Root, e.Name())
		state, err := ReadState(dir)
		if err != nil || state.RunID == runID {
			continue
		}
		dst := filepath.Join(f.Root, ReplacedDir, state.RunID+"-"+stamp, e.Name())
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err == nil {
			err = os.Rename(dir, dst)
		}
		if err != nil {
			logger.Warn("[Checkpoint] failed to archive replaced version", "dir", dir, "err", err)
			continue
		}
		logger.Info("[Checkpoint] archived version of replaced run", "version", n, "run_id", state.RunID, "to", dst)
	}
}

// ReadState reads only the state of the version stored in dir.
func ReadState(dir string) (State, error) {
	var state State
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("invalid checkpoint state in %s: %w", dir, err)
	}
	return state, nil
}

// Load reads the version stored in dir. dir may also be a project directory,
// in which case its latest version is loaded.
func Load(dir string) (*Snapshot, error) {
	if _, err := os.Stat(filepath.Join(dir, StateFile)); errors.Is(err, os.ErrNotExist) {
		latest, lerr := NewFS(dir).Latest()
		if lerr != nil {
			return nil, lerr
		}
		dir = latest
	}

	state, err := ReadState(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint state: %w", err)
	}

	store, err := graph.ReadStore(filepath.Join(dir, StoreFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint store: %w", err)
	}
	store.Version = state.Version

	return &Snapshot{State: state, Store: store, Dir: dir}, nil
}

// Load reads version from this project.
func (f *FS) Load(version int) (*Snapshot, error) {
	return Load(f.Dir(version))
}

// Latest returns the directory of the highest committed version.
func (f *FS) Latest() (string, error) {
	dir, _, err := highest(f.Root, iterationDir, func(p string) bool {
		_, err := os.Stat(filepath.Join(p, StateFile))
		return err == nil
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

// LatestProject returns the highest project_v<N> directory in dataDir.
func LatestProject(dataDir string) (string, error) {
	dir, _, err := highest(dataDir, projectDir, func(string) bool { return true })
	return dir, err
}

// LatestLog returns the triple log of the latest version of the latest
// project in dataDir.
func LatestLog(dataDir string) (string, error) {
	project, err := LatestProject(dataDir)
	if err != nil {
		return "", err
	}
	dir, err := NewFS(project).Latest()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, LogFile), nil
}

func highest(root string, pattern *regexp.Regexp, ok func(string) bool) (string, int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("%w in %s", ErrNoCheckpoint, root)
		}
		return "", 0, err
	}

	best, bestN := "", -1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= bestN {
			continue
		}
		p := filepath.Join(root, e.Name())
		if !ok(p) {
			continue
		}
		best, bestN = p, n
	}
	if bestN < 0 {
		return "", 0, fmt.Errorf("%w in %s", ErrNoCheckpoint, root)
	}
	return best, bestN, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
