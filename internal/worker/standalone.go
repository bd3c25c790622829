package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zipball-packager/internal/archive"
	"zipball-packager/internal/config"
	"zipball-packager/internal/hashing"
	"zipball-packager/internal/models"
	"zipball-packager/internal/storage"
)

// Standalone repackages uploaded zip archives under the hash of their origin.
type Standalone struct {
	publisher storage.Publisher
	outDir    string
	workDir   string
	allowed   []string
	now       func() time.Time
	readTitle func(dir string) (string, error)
}

var _ Strategy = (*Standalone)(nil)

func NewStandalone(cfg config.Config, pub storage.Publisher) *Standalone {
	allowed := cfg.AllowedExtensions
	if len(allowed) == 0 {
		allowed = []string{"zip"}
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Standalone{
		publisher: pub,
		outDir:    cfg.OutDir,
		workDir:   workDir,
		allowed:   allowed,
		now:       func() time.Time { return time.Now().UTC() },
		readTitle: archive.ReadTitle,
	}
}

// ValidTarget requires an existing zip with at least one HTML member.
func (s *Standalone) ValidTarget(_ context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrTargetNotFound, filepath.Base(path))
		}
		return err
	}
	ok, err := archive.HasHTML(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if !ok {
		return ErrNoHTML
	}
	return nil
}

func (s *Standalone) HandleTask(ctx context.Context, task models.Task, opts models.Options) (Result, error) {
	if !s.supported(task.Target) {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(task.Target))
	}
	origin := opts.Origin
	hash := hashing.Data(origin)

	tmp, err := os.MkdirTemp(s.workDir, hash+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	tree := filepath.Join(tmp, hash)

	if err := archive.Extract(task.Target, tree); err != nil {
		return Result{}, err
	}
	var title string
	if opts.Meta != nil && opts.Meta.Title != "" {
		title = opts.Meta.Title
	} else if title, err = s.readTitle(tree); err != nil {
		return Result{}, err
	}
	images, err := archive.CountImages(tree)
	if err != nil {
		return Result{}, err
	}

	var domain string
	if u, err := url.Parse(origin); err == nil {
		domain = u.Hostname()
	}
	ts := s.now()
	doc := models.Manifest{
		Title:     title,
		URL:       origin,
		Domain:    domain,
		Images:    images,
		Timestamp: ts,
		Extra:     opts.Meta.Fields(),
	}.Document()
	manifest, err := models.EncodeManifest(doc)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(filepath.Join(tree, models.ManifestName), manifest, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	zipPath := filepath.Join(s.outDir, hash+".zip")
	size, err := archive.ZipDir(zipPath, tree)
	if err != nil {
		return Result{}, err
	}
	loc, err := s.publisher.Publish(ctx, zipPath)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Size:      size,
		Hash:      hash,
		Title:     title,
		Images:    images,
		Timestamp: ts,
		Meta:      doc,
		Location:  loc,
	}, nil
}

func (s *Standalone) HandleTaskResult(_ context.Context, _ models.Task, res Result, _ models.Options) Outcome {
	return finishResult(res)
}

func (s *Standalone) supported(path string) bool {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, a := range s.allowed {
		if ext == a {
			return true
		}
	}
	return false
}
