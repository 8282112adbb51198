// Package watch auto-ingests documents dropped into a directory. Files are
// uploaded once their writes settle, so partially copied files are not sent.
package watch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/docq/internal/chat"
)

// Ingester uploads one document and blocks until its ingestion stream
// reaches a terminal frame.
type Ingester interface {
	BeginIngestion(ctx context.Context, filename string, content io.Reader) (chat.ChatID, error)
}

// Options tunes a Watcher. Zero values select the defaults.
type Options struct {
	// Extensions limits which files are uploaded. Defaults to common
	// document types.
	Extensions []string

	// Settle is how long a file must be quiet after its last write before
	// it is uploaded.
	Settle time.Duration

	// Workers bounds concurrent uploads.
	Workers int

	Logger *slog.Logger
}

const (
	defaultSettle  = 2 * time.Second
	defaultWorkers = 2
)

var defaultExtensions = []string{".pdf", ".txt", ".md", ".html", ".htm", ".docx", ".pptx"}

// Watcher monitors a directory and ingests new or modified documents.
type Watcher struct {
	ingester   Ingester
	extensions []string
	settle     time.Duration
	workers    int
	logger     *slog.Logger
}

func New(ingester Ingester, opts Options) *Watcher {
	if len(opts.Extensions) == 0 {
		opts.Extensions = defaultExtensions
	}
	if opts.Settle <= 0 {
		opts.Settle = defaultSettle
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		ingester:   ingester,
		extensions: opts.Extensions,
		settle:     opts.Settle,
		workers:    opts.Workers,
		logger:     opts.Logger,
	}
}

// Run watches dir until ctx is cancelled. Each watched file is uploaded after
// its writes settle; uploads run concurrently, bounded by Workers. Run
// returns after in-flight uploads finish.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	w.logger.Info("watching directory", "dir", dir)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)

	var mu sync.Mutex
	pending := make(map[string]*time.Timer)
	stopped := false

	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		if t, ok := pending[path]; ok {
			t.Reset(w.settle)
			return
		}
		pending[path] = time.AfterFunc(w.settle, func() {
			mu.Lock()
			if stopped {
				mu.Unlock()
				return
			}
			delete(pending, path)
			mu.Unlock()
			g.Go(func() error {
				w.ingest(gctx, path)
				return nil
			})
		})
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			stopped = true
			for _, t := range pending {
				t.Stop()
			}
			mu.Unlock()
			g.Wait()
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				g.Wait()
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !w.watched(event.Name) {
				continue
			}
			schedule(event.Name)

		case err, ok := <-fw.Errors:
			if !ok {
				g.Wait()
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// ingest uploads one settled file. Failures are logged, not fatal; the watch
// keeps running.
func (w *Watcher) ingest(ctx context.Context, path string) {
	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("opening watched file", "path", path, "error", err)
		return
	}
	defer f.Close()

	name := filepath.Base(path)
	w.logger.Info("ingesting", "file", name)
	id, err := w.ingester.BeginIngestion(ctx, name, f)
	if err != nil {
		w.logger.Error("ingestion failed", "file", name, "error", err)
		return
	}
	w.logger.Info("ingested", "file", name, "chat", id)
}

// watched reports whether the path has a watched extension. Hidden files are
// skipped; copy tools often stage through dotted temp names.
func (w *Watcher) watched(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(base))
	for _, e := range w.extensions {
		if ext == e {
			return true
		}
	}
	return false
}
