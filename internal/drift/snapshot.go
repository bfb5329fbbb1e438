package drift

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// ErrFileLimit is recorded when a snapshot stops early at MaxFiles
var ErrFileLimit = errors.New("file limit reached")

// Options bounds the filesystem work of one snapshot
type Options struct {
	MaxDepth int
	MaxFiles int
}

// ComputeSnapshot hashes every regular file reachable from paths. Directories
// are walked up to MaxDepth and glob patterns are expanded. An unreadable
// path is recorded in Snapshot.Errors and left out of Snapshot.Files; it
// never fails the whole snapshot.
func ComputeSnapshot(paths []string, opts Options, now time.Time) model.Snapshot {
	snap := model.Snapshot{
		TakenAt: now.UTC(),
		Files:   make(map[string]model.FileState),
		Errors:  make(map[string]string),
	}

	for _, p := range expand(paths, snap.Errors) {
		if opts.MaxFiles > 0 && len(snap.Files) >= opts.MaxFiles {
			snap.Errors[p] = ErrFileLimit.Error()
			break
		}
		info, err := os.Lstat(p)
		if err != nil {
			recordErr(snap.Errors, p, err)
			continue
		}
		if info.IsDir() {
			walk(p, opts, &snap)
			continue
		}
		addFile(p, &snap)
	}

	if len(snap.Errors) == 0 {
		snap.Errors = nil
	}
	return snap
}

// expand resolves glob patterns; plain paths pass through unchanged
func expand(paths []string, errs map[string]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		p = filepath.Clean(p)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, p := range paths {
		if !strings.ContainsAny(p, "*?[") {
			add(p)
			continue
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			errs[p] = err.Error()
			continue
		}
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

func walk(root string, opts Options, snap *model.Snapshot) {
	rootDepth := strings.Count(root, string(filepath.Separator))
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			recordErr(snap.Errors, path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if opts.MaxDepth > 0 && strings.Count(path, string(filepath.Separator))-rootDepth >= opts.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if opts.MaxFiles > 0 && len(snap.Files) >= opts.MaxFiles {
			snap.Errors[path] = ErrFileLimit.Error()
			return fs.SkipAll
		}
		addFile(path, snap)
		return nil
	})
}

func addFile(path string, snap *model.Snapshot) {
	state, err := hashFile(path)
	if err != nil {
		recordErr(snap.Errors, path, err)
		return
	}
	snap.Files[path] = state
}

func hashFile(path string) (model.FileState, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.FileState{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.FileState{}, err
	}
	if !info.Mode().IsRegular() {
		return model.FileState{}, fmt.Errorf("not a regular file")
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return model.FileState{}, err
	}

	uid, gid := owner(info)
	return model.FileState{
		Hash: hex.EncodeToString(h.Sum(nil)),
		Size: info.Size(),
		Mode: uint32(info.Mode().Perm()),
		UID:  uid,
		GID:  gid,
	}, nil
}

func recordErr(errs map[string]string, path string, err error) {
	errs[path] = (&model.TransientIOError{Source: path, Err: err}).Error()
}
