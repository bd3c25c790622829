package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"zipball-packager/internal/collector"
	"zipball-packager/internal/config"
	"zipball-packager/internal/models"
	"zipball-packager/internal/storage"
)

// Collector is the fetch-and-pack primitive behind the Fetchable strategy.
type Collector interface {
	Collect(ctx context.Context, req collector.Request) collector.Result
}

// Fetchable packs remote pages.
type Fetchable struct {
	collector Collector
	publisher storage.Publisher
	client    *http.Client
	outDir    string
	userAgent string
}

var _ Strategy = (*Fetchable)(nil)

func NewFetchable(cfg config.Config, c Collector, pub storage.Publisher) *Fetchable {
	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Fetchable{
		collector: c,
		publisher: pub,
		client:    &http.Client{Timeout: timeout},
		outDir:    cfg.OutDir,
		userAgent: cfg.UserAgent,
	}
}

// ValidTarget fetches the URL; any transport error or 4xx/5xx makes it invalid.
func (f *Fetchable) ValidTarget(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

func (f *Fetchable) HandleTask(ctx context.Context, task models.Task, opts models.Options) (Result, error) {
	res := f.collector.Collect(ctx, collector.Request{
		URL:           task.Target,
		Preprocessors: collector.PreprocessorsFor(task.Target),
		OutDir:        f.outDir,
		JavaScript:    opts.JavaScript,
		Extract:       opts.Extract,
		Meta:          opts.Meta,
	})
	out := Result{
		Size:      res.Size,
		Hash:      res.Hash,
		Title:     res.Title,
		Images:    res.Images,
		Timestamp: res.Timestamp,
		Meta:      res.Meta,
		Error:     res.Error,
	}
	if out.Error != "" {
		return out, nil
	}

	loc, err := f.publisher.Publish(ctx, filepath.Join(f.outDir, res.Hash+".zip"))
	if err != nil {
		return Result{}, err
	}
	out.Location = loc
	return out, nil
}

func (f *Fetchable) HandleTaskResult(_ context.Context, _ models.Task, res Result, _ models.Options) Outcome {
	return finishResult(res)
}
