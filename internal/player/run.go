package player

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atekin/mprt/internal/conf"
	"github.com/atekin/mprt/internal/errors"
	"github.com/atekin/mprt/internal/logger"
	"github.com/atekin/mprt/internal/observability"
	"github.com/atekin/mprt/internal/sound"
)

// Request describes one playback run.
type Request struct {
	Files  []string
	Seek   time.Duration // start position of the first file
	Volume int           // overrides the configured volume when >= 0
}

// Run plays the requested files until all have been played or ctx is done,
// serving metrics alongside when enabled.
func Run(ctx context.Context, settings *conf.Settings, req Request, opts ...Option) error {
	p, err := New(settings, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := p.Close(); cerr != nil {
			p.log.Error("shutdown failed", logger.Error(cerr))
		}
	}()

	ids := make([]sound.StreamID, 0, len(req.Files))
	for _, f := range req.Files {
		id, err := p.Add(f)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if req.Volume >= 0 {
		p.SetVolume(req.Volume)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if settings.Metrics.Enabled && p.Metrics() != nil {
		endpoint := observability.NewEndpoint(settings.Metrics.Listen, p.Metrics())
		g.Go(func() error { return endpoint.Run(gctx) })
	}

	g.Go(func() error {
		defer cancel()
		p.Start()
		if req.Seek > 0 && len(ids) > 0 {
			if err := p.SeekWhenOpened(gctx, ids[0], req.Seek); err != nil {
				return ignoreCancel(err)
			}
		}
		return ignoreCancel(p.Wait(gctx))
	})

	err = g.Wait()
	p.log.Info("playback ended", logger.Int("files", len(ids)))
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
