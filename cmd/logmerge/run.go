package main

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/olif/logmerge/pkg/logmerge"
	"github.com/olif/logmerge/pkg/logmerge/config"
	"github.com/olif/logmerge/pkg/logmerge/merge"
	"github.com/olif/logmerge/pkg/logmerge/sink"
	"github.com/olif/logmerge/pkg/logmerge/source"
)

type runDeps struct {
	cfg    *config.Config
	fs     afero.Fs
	stdout io.Writer
	logger log.Logger
	reg    prometheus.Registerer
}

// run merges the configured sources once per requested mode. Every mode gets
// freshly opened sources.
func run(ctx context.Context, d runDeps) error {
	engine := merge.NewEngine(merge.Config{
		Logger:          d.logger,
		Registerer:      d.reg,
		SeedConcurrency: &d.cfg.SeedConcurrency,
		DoneOnFailure:   &d.cfg.DoneOnFailure,
	})

	modes := []string{d.cfg.Mode}
	if d.cfg.Mode == config.ModeBoth {
		modes = []string{config.ModeSequential, config.ModeConcurrent}
	}

	for _, m := range modes {
		if err := runMode(ctx, d, engine, m); err != nil {
			return errors.Wrapf(err, "%s merge", m)
		}
	}

	return nil
}

func runMode(ctx context.Context, d runDeps, engine *merge.Engine, mode string) (err error) {
	logger := log.With(d.logger, "mode", mode)

	in, err := openInputs(d.fs, d.cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, in.close())
	}()

	out, closeOut, err := openSink(d, mode, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeOut())
	}()

	level.Info(logger).Log("msg", "merging", "sources", len(in.sync))

	if mode == config.ModeConcurrent {
		return engine.Concurrent(ctx, in.async, out)
	}
	return engine.Sequential(ctx, in.sync, out)
}

type inputs struct {
	sync    []logmerge.Source
	async   []logmerge.AsyncSource
	closers []io.Closer
}

func (in *inputs) add(src logmerge.Source, async logmerge.AsyncSource) {
	in.sync = append(in.sync, src)
	in.async = append(in.async, async)
}

func (in *inputs) close() error {
	var err error
	for _, c := range in.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// openInputs opens the configured sources in configuration order. Segment
// directories expand into one source per segment file.
func openInputs(fs afero.Fs, cfg *config.Config) (*inputs, error) {
	in := &inputs{}

	for _, sc := range cfg.Sources {
		switch sc.Type {
		case config.SourceGenerator:
			g := source.NewGenerator(sc.Name, source.GeneratorConfig{
				Count:      sc.Count,
				Start:      sc.Start,
				MaxStep:    &sc.MaxStep,
				MaxLatency: &sc.MaxLatency,
				Seed:       sc.Seed,
			})
			in.add(g, g)

		case config.SourceSegment:
			f, err := source.OpenFile(fs, sc.Path, cfg.MaxRecordSize)
			if err != nil {
				in.close()
				return nil, err
			}
			in.closers = append(in.closers, f)
			in.add(f, merge.Async(f))

		case config.SourceDir:
			files, err := source.OpenDir(fs, sc.Path, cfg.MaxRecordSize)
			if err != nil {
				in.close()
				return nil, err
			}
			for _, f := range files {
				in.closers = append(in.closers, f)
				in.add(f, merge.Async(f))
			}

		case config.SourceNDJSON:
			j, err := source.OpenJSONLines(fs, sc.Path, cfg.MaxRecordSize)
			if err != nil {
				in.close()
				return nil, err
			}
			in.closers = append(in.closers, j)
			in.add(j, merge.Async(j))
		}
	}

	return in, nil
}

func nopClose() error { return nil }

// openSink opens the configured output. When both modes run into the same
// file, the mode name is added to the file name.
func openSink(d runDeps, mode string, logger log.Logger) (logmerge.Sink, func() error, error) {
	path := d.cfg.Output.Path
	if path != "" && d.cfg.Mode == config.ModeBoth {
		path = withMode(path, mode)
	}

	if d.cfg.Output.Format == config.FormatSegment {
		maxRecordSize := d.cfg.MaxRecordSize
		s, err := sink.NewSegmentSink(d.fs, path, sink.SegmentConfig{
			MaxRecordSize: &maxRecordSize,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}

	w, closeFn := d.stdout, nopClose
	if path != "" {
		f, err := d.fs.Create(path)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "could not create %s", path)
		}
		w, closeFn = f, f.Close
	}

	if d.cfg.Output.Format == config.FormatJSON {
		return sink.NewJSONSink(w), closeFn, nil
	}
	return sink.NewPrinter(w, sink.PrinterConfig{Logger: logger}), closeFn, nil
}

func withMode(path, mode string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + mode + ext
}
