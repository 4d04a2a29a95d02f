// Package artifact persists finished tracks as WAV files in a local
// directory and serves them back for streaming. A mirror (R2 or a NATS
// object store) optionally receives a copy of every file.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"

	"github.com/makeasinger/musicgen/internal/audio"
	"github.com/makeasinger/musicgen/internal/model"
)

const (
	filePrefix  = "generated_music_"
	fileSuffix  = ".wav"
	ContentType = "audio/wav"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

// Mirror receives a copy of each persisted artifact.
type Mirror interface {
	Name() string
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Store writes artifacts into dir. Files are never deleted once published.
type Store struct {
	dir          string
	publicPrefix string
	bitDepth     int
	mirror       Mirror
	log          *logger.Logger
}

// NewStore creates dir if needed. mirror may be nil.
func NewStore(dir, publicPrefix string, bitDepth int, mirror Mirror, log *logger.Logger) (*Store, error) {
	if bitDepth == 0 {
		bitDepth = 24
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}
	return &Store{
		dir:          dir,
		publicPrefix: strings.TrimRight(publicPrefix, "/"),
		bitDepth:     bitDepth,
		mirror:       mirror,
		log:          log,
	}, nil
}

// FileName is the artifact name for a task.
func FileName(taskID string) string {
	return filePrefix + taskID + fileSuffix
}

// Dir returns the artifact directory.
func (s *Store) Dir() string { return s.dir }

// Persist encodes seg to a temporary file and renames it into place, so a
// published name always refers to a complete file. On error or
// cancellation nothing is left behind.
func (s *Store) Persist(ctx context.Context, taskID string, seg audio.Segment, prompt string) (model.Artifact, error) {
	name := FileName(taskID)
	final := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+taskID+"-*.wav")
	if err != nil {
		return model.Artifact{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := audio.EncodeWAV(tmp, seg, s.bitDepth); err != nil {
		tmp.Close()
		cleanup()
		return model.Artifact{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return model.Artifact{}, fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return model.Artifact{}, fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return model.Artifact{}, err
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return model.Artifact{}, fmt.Errorf("failed to publish %s: %w", name, err)
	}

	s.mirrorFile(ctx, name, final)

	return model.Artifact{
		FilePath:        final,
		FileURL:         s.publicPrefix + "/" + name,
		OptimizedPrompt: prompt,
	}, nil
}

func (s *Store) mirrorFile(ctx context.Context, name, path string) {
	if s.mirror == nil {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn("[Artifact] mirror %s skipped for %s: %v", s.mirror.Name(), name, err)
		return
	}
	defer f.Close()

	ref, err := s.mirror.Put(ctx, name, f, ContentType)
	if err != nil {
		s.log.Warn("[Artifact] mirror %s failed for %s: %v", s.mirror.Name(), name, err)
		return
	}
	s.log.Info("[Artifact] mirrored %s to %s", name, ref)
}

// Remove deletes a published artifact. It is only used when the task that
// produced it could not be marked completed.
func (s *Store) Remove(taskID string) error {
	err := os.Remove(filepath.Join(s.dir, FileName(taskID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ValidateName rejects anything that is not a bare artifact file name.
func ValidateName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.Contains(name, "..") ||
		!strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Open returns a reader for a published artifact and its size, or -1 when
// the size is unknown. Files missing locally are fetched from the mirror.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(filepath.Join(s.dir, name))
	if err == nil {
		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			return nil, 0, statErr
		}
		return f, info.Size(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, err
	}

	if s.mirror != nil {
		rc, mErr := s.mirror.Get(ctx, name)
		if mErr == nil {
			return rc, -1, nil
		}
		s.log.Warn("[Artifact] mirror %s lookup failed for %s: %v", s.mirror.Name(), name, mErr)
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
}
