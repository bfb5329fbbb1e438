package collector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileContent is the leading bytes of a scanned file
type FileContent struct {
	Path    string
	Hash    string
	Content []byte
}

// WebRootScanner collects PHP sources under web roots for pattern matching
type WebRootScanner struct {
	roots    []string
	maxFiles int
	maxBytes int64
}

// NewWebRootScanner bounds a scan to maxFiles files and maxBytes per file
func NewWebRootScanner(roots []string, maxFiles int, maxBytes int64) *WebRootScanner {
	return &WebRootScanner{roots: roots, maxFiles: maxFiles, maxBytes: maxBytes}
}

// Scan walks the roots. Unreadable entries are returned in errs.
func (s *WebRootScanner) Scan(ctx context.Context) (files []FileContent, errs map[string]string) {
	errs = make(map[string]string)
	for _, root := range s.roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				errs[path] = err.Error()
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if name := d.Name(); path != root && (name == ".git" || name == "node_modules") {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !strings.EqualFold(filepath.Ext(path), ".php") {
				return nil
			}
			if s.maxFiles > 0 && len(files) >= s.maxFiles {
				return fs.SkipAll
			}
			fc, err := s.read(path)
			if err != nil {
				errs[path] = err.Error()
				return nil
			}
			files = append(files, fc)
			return nil
		})
	}
	return files, errs
}

func (s *WebRootScanner) read(path string) (FileContent, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileContent{}, err
	}
	defer f.Close()

	var r io.Reader = f
	if s.maxBytes > 0 {
		r = io.LimitReader(f, s.maxBytes)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return FileContent{}, err
	}
	sum := sha256.Sum256(content)
	return FileContent{Path: path, Hash: hex.EncodeToString(sum[:]), Content: content}, nil
}
