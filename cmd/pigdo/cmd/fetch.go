package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dadap/pigdo/internal/config"
	"github.com/dadap/pigdo/internal/fetch"
	"github.com/dadap/pigdo/internal/imagelayout"
	"github.com/dadap/pigdo/internal/manifest"
	"github.com/dadap/pigdo/internal/scheduler"
	"github.com/dadap/pigdo/internal/slogutil"
	"github.com/dadap/pigdo/internal/template"
)

var (
	outputPath   string
	templatePath string
	threads      int
	mirrorFlags  []string
)

func init() {
	rootCmd.Flags().StringVarP(&outputPath, "output", "o", "", "output image path (default: the manifest's declared image filename)")
	rootCmd.Flags().StringVarP(&templatePath, "template", "t", "", "path to the .template file (default: alongside the .jigdo file)")
	rootCmd.Flags().IntVarP(&threads, "threads", "j", 0, "number of concurrent fetch workers (default: from config, else 16)")
	rootCmd.Flags().StringArrayVarP(&mirrorFlags, "mirror", "m", nil, "add a mirror to a server the manifest names, as NAME=URL; repeatable")

	rootCmd.Args = cobra.ExactArgs(1)
	rootCmd.RunE = runFetch
}

// runFetch is pigdo's single top-level action: load configuration, parse
// the manifest and template named on the command line, open the output
// image, and run the scheduler to completion.
//
// Grounded on runServe's load-config, setup-logging, wire-dependencies,
// run shape, collapsed to one invocation instead of a long-lived server.
func runFetch(cmd *cobra.Command, args []string) error {
	jigdoPath := args[0]

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		slog.Default().Error("failed to load config", "err", err)
		return err
	}

	logger := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	if outputPath != "" {
		cfg.Output = outputPath
	}
	if templatePath != "" {
		cfg.Template = templatePath
	}
	if threads > 0 {
		cfg.Fetch.Threads = threads
	}
	cfg.Mirrors = append(cfg.Mirrors, mirrorFlags...)

	logger.Info("parsing manifest", slog.String("path", jigdoPath))
	m, err := manifest.ParseFile(jigdoPath)
	if err != nil {
		logger.Error("failed to parse manifest", slog.Any("err", err))
		return err
	}

	if err := applyMirrorFlags(m, cfg.Mirrors); err != nil {
		return err
	}

	tmplPath := cfg.Template
	if tmplPath == "" {
		tmplPath = filepath.Join(filepath.Dir(jigdoPath), m.TemplateName)
	}

	logger.Info("decoding template", slog.String("path", tmplPath))
	desc, err := decodeTemplate(tmplPath)
	if err != nil {
		logger.Error("failed to decode template", slog.Any("err", err))
		return err
	}

	imgPath := cfg.Output
	if imgPath == "" {
		imgPath = m.ImageName
	}

	logger.Info("opening output image", slog.String("path", imgPath), slog.Uint64("size", desc.TotalSize()))
	img, err := imagelayout.Open(imgPath, desc.TotalSize())
	if err != nil {
		logger.Error("failed to open output image", slog.Any("err", err))
		return err
	}
	defer func() {
		if err := img.Close(); err != nil {
			logger.Error("failed to close output image", slog.Any("err", err))
		}
	}()

	if !img.ExistingFile {
		if err := scatterTemplateData(tmplPath, desc, img); err != nil {
			logger.Error("failed to write template data blocks", slog.Any("err", err))
			return err
		}
	} else {
		logger.Info("output image already exists at target size, skipping data block scatter and deferring to resume verification")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(img, m, desc, fetch.New(), scheduler.Options{
		Workers:       cfg.GetThreads(),
		MaxAttempts:   cfg.GetMaxAttempts(),
		BlacklistSize: cfg.Fetch.BlacklistSize,
		PollInterval:  time.Duration(cfg.GetPollIntervalMs()) * time.Millisecond,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("failed to construct scheduler", slog.Any("err", err))
		return err
	}

	ok, err := sched.Run(ctx)
	if err != nil {
		logger.Error("reconstruction failed", slog.Any("err", err))
		os.Exit(1)
	}
	if !ok {
		logger.Error("reconstruction finished without a verified image")
		os.Exit(1)
	}

	logger.Info("reconstruction complete", slog.String("image", imgPath))
	return nil
}

// applyMirrorFlags parses each "NAME=URL" spec from --mirror (or the
// config file's mirrors list) and adds it to the named server. NAME
// must already be a server the manifest knows about (from [Servers]
// or a [Parts] reference); this only augments a server's mirror list,
// it cannot introduce a new one.
func applyMirrorFlags(m *manifest.Manifest, specs []string) error {
	for _, spec := range specs {
		name, url, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("invalid --mirror value %q, expected NAME=URL", spec)
		}
		if err := manifest.AddServerMirror(m, name, url); err != nil {
			return fmt.Errorf("--mirror %q: %w", spec, err)
		}
	}
	return nil
}

// decodeTemplate opens the .template file at path and reads just its
// DESC table; the data stream is read separately, through its own
// file handle, by scatterTemplateData.
func decodeTemplate(path string) (*template.DescTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := template.NewDecoder(f)
	if err := dec.ValidateHeader(); err != nil {
		return nil, err
	}
	return dec.ReadDescTable()
}

// scatterTemplateData decodes the template's inner compressed data
// stream and writes its verbatim blocks into the freshly sized image.
// runFetch skips it when the image already existed at the target size:
// the data regions of such an image are neither rewritten nor checked
// one by one (the scheduler's resume verification covers file entries
// only), so a wrong data region shows up only as a mismatch in the
// final whole-image MD5 check.
func scatterTemplateData(path string, desc *template.DescTable, img *imagelayout.Image) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := template.NewDecoder(f)
	if err := dec.ValidateHeader(); err != nil {
		return err
	}

	var dataSize uint64
	for _, b := range desc.DataBlocks {
		dataSize += b.Size
	}

	decompressed, err := dec.DecodeDataStream(dataSize)
	if err != nil {
		return err
	}

	return template.ScatterWrite(int(img.File.Fd()), desc.DataBlocks, decompressed)
}
