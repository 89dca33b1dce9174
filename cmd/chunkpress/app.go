// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/siderolabs/gen/xslices"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/go-chunkpress"
	"github.com/siderolabs/go-chunkpress/chunkfile"
)

// extension appended to compressed files
const extension = ".chnk"

type app struct {
	logger *zap.Logger
}

func newApp() *cli.App {
	a := &app{
		logger: zap.NewNop(),
	}

	return &cli.App{
		Name:  "chunkpress",
		Usage: "Compress files chunk by chunk on all available CPUs",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: a.setupLogger,
		After: func(*cli.Context) error {
			a.logger.Sync() //nolint:errcheck

			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "compress",
				Usage:     "Compress files into chunk files",
				ArgsUsage: "FILE...",
				Action:    a.compress,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "codec",
						Value: "zstd",
						Usage: "compression algorithm: " + strings.Join(codecNames, ", "),
					},
					&cli.StringFlag{
						Name:  "level",
						Usage: "codec-specific compression level",
					},
					&cli.UintFlag{
						Name:  "chunk-size",
						Value: chunkpress.DefaultChunkSize,
						Usage: "maximum uncompressed chunk size, a power of two",
					},
					&cli.IntFlag{
						Name:  "threads",
						Usage: "number of compression threads, 0 for one per CPU",
					},
					&cli.Uint64Flag{
						Name:  "max-memory",
						Usage: "memory budget in bytes per file, 0 for physical memory",
					},
					&cli.IntFlag{
						Name:  "jobs",
						Value: 1,
						Usage: "number of files compressed concurrently",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "output path, only with a single input; defaults to FILE" + extension,
					},
				},
			},
			{
				Name:      "decompress",
				Usage:     "Decompress a chunk file",
				ArgsUsage: "FILE [OUTPUT]",
				Action:    a.decompress,
			},
			{
				Name:      "inspect",
				Usage:     "Print chunk records of a chunk file as CSV",
				ArgsUsage: "FILE",
				Action:    a.inspect,
			},
		},
	}
}

func (a *app) setupLogger(ctx *cli.Context) error {
	var err error

	if ctx.Bool("debug") {
		a.logger, err = zap.NewDevelopment()
	} else {
		a.logger, err = zap.NewProduction()
	}

	return err
}

func (a *app) compress(ctx *cli.Context) error {
	inputs := ctx.Args().Slice()
	if len(inputs) == 0 {
		return fmt.Errorf("no input files")
	}

	output := ctx.String("output")
	if output != "" && len(inputs) > 1 {
		return fmt.Errorf("--output can only be used with a single input")
	}

	chunkSize := ctx.Uint("chunk-size")
	if chunkSize > math.MaxUint32 {
		return fmt.Errorf("chunk size is too large: %d", chunkSize)
	}

	codec, err := newCodec(ctx.String("codec"), ctx.String("level"))
	if err != nil {
		return err
	}

	opts := []chunkpress.OptionFunc{
		chunkpress.WithCodec(codec),
		chunkpress.WithChunkSize(uint32(chunkSize)),
		chunkpress.WithThreads(ctx.Int("threads")),
		chunkpress.WithMaxMemory(ctx.Uint64("max-memory")),
		chunkpress.WithLogger(a.logger),
	}

	eg, egCtx := errgroup.WithContext(ctx.Context)
	eg.SetLimit(max(ctx.Int("jobs"), 1))

	for _, input := range inputs {
		out := output
		if out == "" {
			out = input + extension
		}

		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}

			return a.compressFile(input, out, opts)
		})
	}

	return eg.Wait()
}

func (a *app) compressFile(input, output string, opts []chunkpress.OptionFunc) error {
	in, err := os.Open(input)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	var stats chunkfile.Stats

	if err = atomicWriteFile(output, 0o644, func(f *os.File) error {
		zw, err := chunkfile.NewWriter(f, opts...)
		if err != nil {
			return err
		}

		if _, err = zw.ReadFrom(in); err != nil {
			zw.Close() //nolint:errcheck

			return fmt.Errorf("failed to compress %q: %w", input, err)
		}

		if err = zw.Close(); err != nil {
			return err
		}

		stats = zw.Stats()

		return nil
	}); err != nil {
		return err
	}

	a.logger.Info("compressed file",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("chunks", stats.Chunks),
		zap.Int("stored_chunks", stats.StoredChunks),
		zap.Int64("bytes_in", stats.BytesIn),
		zap.Int64("bytes_out", stats.BytesOut),
	)

	return nil
}

func (a *app) decompress(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return fmt.Errorf("expected FILE [OUTPUT]")
	}

	input := ctx.Args().Get(0)

	output := ctx.Args().Get(1)
	if output == "" {
		if !strings.HasSuffix(input, extension) {
			return fmt.Errorf("can't derive output name from %q, specify OUTPUT", input)
		}

		output = strings.TrimSuffix(input, extension)
	}

	in, err := os.Open(input)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	codecs, err := allCodecs()
	if err != nil {
		return err
	}

	zr, err := chunkfile.NewReader(in, codecs...)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", input, err)
	}

	defer zr.Close() //nolint:errcheck

	var n int64

	if err = atomicWriteFile(output, 0o644, func(f *os.File) error {
		n, err = f.ReadFrom(zr)

		return err
	}); err != nil {
		return fmt.Errorf("failed to decompress %q: %w", input, err)
	}

	a.logger.Info("decompressed file",
		zap.String("input", input),
		zap.String("output", output),
		zap.String("codec", zr.Header().Codec),
		zap.Int64("bytes", n),
	)

	return nil
}

// chunkRow is a CSV row of the inspect command.
type chunkRow struct {
	Index            int    `csv:"index"`
	Offset           int64  `csv:"offset"`
	UncompressedSize uint32 `csv:"uncompressed_size"`
	StoredSize       uint32 `csv:"stored_size"`
	Stored           bool   `csv:"stored"`
	Checksum         string `csv:"xxhash64"`
}

func (a *app) inspect(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected FILE")
	}

	input := ctx.Args().First()

	in, err := os.Open(input)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	header, chunks, err := chunkfile.Inspect(in)
	if err != nil {
		return fmt.Errorf("failed to inspect %q: %w", input, err)
	}

	a.logger.Debug("inspected file",
		zap.String("input", input),
		zap.String("codec", header.Codec),
		zap.Uint32("chunk_size", header.ChunkSize),
		zap.Int("chunks", len(chunks)),
	)

	rows := xslices.Map(chunks, func(info chunkfile.ChunkInfo) chunkRow {
		return chunkRow{
			Index:            info.Index,
			Offset:           info.Offset,
			UncompressedSize: info.UncompressedSize,
			StoredSize:       info.StoredSize,
			Stored:           info.Stored(),
			Checksum:         fmt.Sprintf("%016x", info.Checksum),
		}
	})

	return gocsv.Marshal(rows, ctx.App.Writer)
}
