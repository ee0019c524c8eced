package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// LocalStorage implements Backend on the local filesystem. Writes go to a
// temporary file that is fsynced and renamed into place, so readers never
// observe a partially written blob and a rewrite replaces content atomically.
type LocalStorage struct {
	basePath  string
	publicURL string
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	return NewLocalStorageWithURL(basePath, "")
}

// NewLocalStorageWithURL creates a local storage instance whose Put returns
// URLs under publicURL
func NewLocalStorageWithURL(basePath, publicURL string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// resolve maps a storage path to a filesystem path inside basePath
func (ls *LocalStorage) resolve(p string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(p))
	if clean == "/" {
		return "", fmt.Errorf("invalid storage path: %q", p)
	}
	return filepath.Join(ls.basePath, filepath.FromSlash(clean)), nil
}

// Store saves content to the local filesystem with atomic writes and integrity checks
func (ls *LocalStorage) Store(ctx context.Context, p string, content io.Reader, contentType string) error {
	startTime := time.Now()

	// Check if context is cancelled before starting
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(p)
	if err != nil {
		return err
	}

	tempFile, err := ls.createTemp(fullPath)
	if err != nil {
		log.Error().Err(err).Str("path", p).Msg("failed to create temporary file")
		return err
	}
	tempPath := tempFile.Name()

	committed := false
	defer func() {
		tempFile.Close()
		if !committed {
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	bytesWritten, err := io.Copy(io.MultiWriter(tempFile, hasher), &contextReader{ctx: ctx, r: content})
	if err != nil {
		log.Debug().Err(err).Str("path", p).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", p).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", p).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}
	committed = true

	log.Debug().
		Str("path", p).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", hex.EncodeToString(hasher.Sum(nil))).
		Dur("duration", time.Since(startTime)).
		Msg("file stored successfully")

	return nil
}

// createTemp creates the temporary file next to fullPath. A concurrent Delete
// may prune the freshly created directory, so creation is retried.
func (ls *LocalStorage) createTemp(fullPath string) (*os.File, error) {
	dir := filepath.Dir(fullPath)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := os.MkdirAll(dir, 0755); err != nil {
			lastErr = fmt.Errorf("failed to create directory: %w", err)
			continue
		}
		f, err := os.CreateTemp(dir, filepath.Base(fullPath)+".tmp.*")
		if err == nil {
			return f, nil
		}
		lastErr = fmt.Errorf("failed to create temporary file: %w", err)
		if !os.IsNotExist(err) {
			break
		}
	}
	return nil, lastErr
}

// Put stores an artifact and returns its public URL
func (ls *LocalStorage) Put(ctx context.Context, key string, content io.Reader, contentType string) (string, error) {
	if err := ls.Store(ctx, key, content, contentType); err != nil {
		return "", err
	}
	return ls.URL(key), nil
}

// URL returns the public URL of key, or a file:// URL when no public base is configured
func (ls *LocalStorage) URL(key string) string {
	key = strings.TrimLeft(filepath.ToSlash(key), "/")
	if ls.publicURL == "" {
		abs, err := filepath.Abs(filepath.Join(ls.basePath, filepath.FromSlash(key)))
		if err != nil {
			abs = filepath.Join(ls.basePath, filepath.FromSlash(key))
		}
		return "file://" + filepath.ToSlash(abs)
	}
	return ls.publicURL + "/" + key
}

// Retrieve gets content from the local filesystem
func (ls *LocalStorage) Retrieve(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := ls.resolve(p)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		log.Error().Err(err).Str("path", p).Msg("failed to open file")
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Delete removes content from the local filesystem. Deleting a missing path
// is not an error. Empty parent directories are pruned up to basePath.
func (ls *LocalStorage) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := ls.resolve(p)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		log.Error().Err(err).Str("path", p).Msg("failed to delete file")
		return fmt.Errorf("failed to delete file: %w", err)
	}

	ls.pruneEmptyDirs(filepath.Dir(fullPath))
	return nil
}

func (ls *LocalStorage) pruneEmptyDirs(dir string) {
	base := filepath.Clean(ls.basePath)
	for dir != base && strings.HasPrefix(dir, base) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Exists checks if content exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := ls.resolve(p)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", p).Msg("failed to check file existence")
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of content in the local filesystem
func (ls *LocalStorage) GetSize(ctx context.Context, p string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	fullPath, err := ls.resolve(p)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, p)
		}
		return 0, fmt.Errorf("failed to get file info: %w", err)
	}

	return info.Size(), nil
}

// List returns slash-separated paths under prefix. Temporary files from
// in-flight writes are skipped.
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	searchPath := filepath.Join(ls.basePath, filepath.FromSlash(prefix))
	var paths []string

	err := filepath.Walk(searchPath, func(p string, info os.FileInfo, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", p).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if info.IsDir() || strings.Contains(info.Name(), ".tmp.") {
			return nil
		}

		relPath, err := filepath.Rel(ls.basePath, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(relPath))
		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list files")
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(paths)).
		Dur("duration", time.Since(startTime)).
		Msg("files listed successfully")

	return paths, nil
}

// contextReader stops a copy once ctx is cancelled
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
