// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"
	"strconv"

	kzstd "github.com/klauspost/compress/zstd"

	"github.com/siderolabs/go-chunkpress"
	"github.com/siderolabs/go-chunkpress/flate"
	"github.com/siderolabs/go-chunkpress/s2"
	"github.com/siderolabs/go-chunkpress/zstd"
)

var codecNames = []string{zstd.Name, s2.Name, flate.Name}

var s2Levels = map[string]s2.Level{
	"":        s2.LevelDefault,
	"default": s2.LevelDefault,
	"better":  s2.LevelBetter,
	"best":    s2.LevelBest,
}

// newCodec creates the codec by name, level syntax depends on the codec.
func newCodec(name, level string) (chunkpress.Codec, error) {
	switch name {
	case zstd.Name:
		if level == "" {
			return zstd.NewCodec(), nil
		}

		ok, encoderLevel := kzstd.EncoderLevelFromString(level)
		if !ok {
			return nil, fmt.Errorf("unknown zstd level %q", level)
		}

		return zstd.NewCodec(kzstd.WithEncoderLevel(encoderLevel)), nil
	case s2.Name:
		l, ok := s2Levels[level]
		if !ok {
			return nil, fmt.Errorf("unknown s2 level %q", level)
		}

		return s2.NewCodec(l)
	case flate.Name:
		if level == "" {
			return flate.NewCodec(flate.DefaultLevel)
		}

		l, err := strconv.Atoi(level)
		if err != nil {
			return nil, fmt.Errorf("invalid flate level %q: %w", level, err)
		}

		return flate.NewCodec(l)
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// allCodecs returns codecs with default settings for decompression.
func allCodecs() ([]chunkpress.Codec, error) {
	codecs := make([]chunkpress.Codec, 0, len(codecNames))

	for _, name := range codecNames {
		codec, err := newCodec(name, "")
		if err != nil {
			return nil, err
		}

		codecs = append(codecs, codec)
	}

	return codecs, nil
}
