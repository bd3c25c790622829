// Package collector fetches a web page and packs it, with its images and a
// manifest, into a zipball.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/net/html"

	"zipball-packager/internal/archive"
	"zipball-packager/internal/config"
	"zipball-packager/internal/hashing"
	"zipball-packager/internal/logger"
	"zipball-packager/internal/models"
)

// Request describes one page to collect.
type Request struct {
	URL           string
	Preprocessors []Preprocessor
	// OutDir receives <md5(url)>.zip.
	OutDir     string
	JavaScript bool
	Extract    bool
	Meta       *models.Meta
}

// Result reports the packed zipball, or Error when collection failed.
type Result struct {
	Size      int64
	Hash      string
	Title     string
	Images    int
	Timestamp time.Time
	Meta      map[string]any
	Error     string
}

// HTTPCollector is the default collector, fetching over plain HTTP.
type HTTPCollector struct {
	client    *http.Client
	workDir   string
	maxBytes  int64
	maxWidth  int
	userAgent string
	now       func() time.Time
}

func New(cfg config.Config) *HTTPCollector {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxBytes := cfg.FetchMaxBytes
	if maxBytes == 0 {
		maxBytes = 10 * 1024 * 1024
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &HTTPCollector{
		client:    &http.Client{Timeout: timeout},
		workDir:   workDir,
		maxBytes:  maxBytes,
		maxWidth:  cfg.MaxImageWidth,
		userAgent: cfg.UserAgent,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Collect never returns an error value; failures are reported in Result.Error.
func (c *HTTPCollector) Collect(ctx context.Context, req Request) Result {
	res, err := c.collect(ctx, req)
	if err != nil {
		return Result{Error: err.Error()}
	}
	return res
}

func (c *HTTPCollector) collect(ctx context.Context, req Request) (Result, error) {
	base, err := url.Parse(req.URL)
	if err != nil {
		return Result{}, fmt.Errorf("parse url: %w", err)
	}
	hash := hashing.Data(req.URL)

	body, _, err := c.Fetch(ctx, req.URL)
	if err != nil {
		return Result{}, err
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("parse page: %w", err)
	}
	title := archive.FindTitle(doc)

	for _, pre := range req.Preprocessors {
		pre(doc)
	}
	if !req.JavaScript {
		StripScripts(doc)
	}
	if req.Extract {
		ExtractMain(doc)
	}

	tmp, err := os.MkdirTemp(c.workDir, hash+"-*")
	if err != nil {
		return Result{}, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tmp)
	tree := filepath.Join(tmp, hash)
	if err := os.MkdirAll(filepath.Join(tree, imagesDir), 0o755); err != nil {
		return Result{}, fmt.Errorf("create tree: %w", err)
	}

	images := c.localizeImages(ctx, doc, base, tree)

	var page bytes.Buffer
	if err := html.Render(&page, doc); err != nil {
		return Result{}, fmt.Errorf("render page: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tree, "index.html"), page.Bytes(), 0o644); err != nil {
		return Result{}, fmt.Errorf("write page: %w", err)
	}

	if req.Meta != nil && req.Meta.Title != "" {
		title = req.Meta.Title
	}
	ts := c.now()
	manifestDoc := models.Manifest{
		Title:     title,
		URL:       req.URL,
		Domain:    base.Hostname(),
		Images:    images,
		Timestamp: ts,
		Extra:     req.Meta.Fields(),
	}.Document()
	manifest, err := models.EncodeManifest(manifestDoc)
	if err != nil {
		return Result{}, err
	}
	if err := os.WriteFile(filepath.Join(tree, models.ManifestName), manifest, 0o644); err != nil {
		return Result{}, fmt.Errorf("write manifest: %w", err)
	}

	size, err := archive.ZipDir(filepath.Join(req.OutDir, hash+".zip"), tree)
	if err != nil {
		return Result{}, err
	}

	logger.Logger.Debug().Str("url", req.URL).Str("md5", hash).Int("images", images).Msg("page collected")
	return Result{
		Size:      size,
		Hash:      hash,
		Title:     title,
		Images:    images,
		Timestamp: ts,
		Meta:      manifestDoc,
	}, nil
}

// Fetch GETs target and returns its body, capped at the configured byte limit.
func (c *HTTPCollector) Fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, c.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", target, err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, "", fmt.Errorf("fetch %s: body larger than %d bytes", target, c.maxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}
