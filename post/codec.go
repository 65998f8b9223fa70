package post

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quillblog/quill/config"
)

// FormatVersion is bumped whenever the persisted image layout changes.
// Images written by any other version decode to an empty cache.
const FormatVersion = 1

// imageMagic prefixes every persisted cache image.
var imageMagic = []byte("QLCH")

const (
	headerLen      = 14 // magic(4) + version(1) + flags(1) + render hash(8)
	flagCompressed = 1 << 0
)

// ImageEntry is one (identifier, record) pair in the persisted image.
type ImageEntry struct {
	Name   string `msgpack:"name"`
	Record Record `msgpack:"record"`
}

// Codec serializes cache snapshots into the single-file image format:
// a fixed header carrying the format version, a compression flag, and the
// render-options hash, followed by a msgpack entry sequence, zstd-compressed
// when enabled. Decoding detects compression from the header, so flipping
// the config switch needs no manual migration.
type Codec struct {
	compress bool
	level    zstd.EncoderLevel
}

// NewCodec builds a codec. level is a zstd aggressiveness level in [1, 22];
// it is ignored when compression is off.
func NewCodec(compress bool, level int) *Codec {
	return &Codec{compress: compress, level: zstd.EncoderLevelFromZstd(level)}
}

// Encode produces a complete image for the given snapshot.
func (c *Codec) Encode(entries []ImageEntry, renderHash uint64) ([]byte, error) {
	var payload bytes.Buffer
	enc := msgpack.NewEncoder(&payload)
	if err := enc.EncodeArrayLen(len(entries)); err != nil {
		return nil, fmt.Errorf("encode entry count: %w", err)
	}
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return nil, fmt.Errorf("encode entry %q: %w", entries[i].Name, err)
		}
	}

	body := payload.Bytes()
	var flags byte
	if c.compress {
		zw, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
		if err != nil {
			return nil, fmt.Errorf("init compressor: %w", err)
		}
		body = zw.EncodeAll(body, nil)
		_ = zw.Close()
		flags |= flagCompressed
	}

	out := make([]byte, 0, headerLen+len(body))
	out = append(out, imageMagic...)
	out = append(out, FormatVersion, flags)
	out = binary.BigEndian.AppendUint64(out, renderHash)
	return append(out, body...), nil
}

// Decode parses an image previously produced by Encode. An unparseable
// header yields ErrCorruptImage; a version or render-hash mismatch yields
// ErrStaleImage; a corrupt payload after a valid header returns the entries
// recovered so far wrapped with ErrCorruptImage, never a panic. Entries with
// an empty identifier are skipped.
func (c *Codec) Decode(data []byte, renderHash uint64) ([]ImageEntry, error) {
	if len(data) < headerLen || !bytes.Equal(data[:4], imageMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptImage)
	}
	if version := data[4]; version != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d, want %d", ErrStaleImage, version, FormatVersion)
	}
	flags := data[5]
	if hash := binary.BigEndian.Uint64(data[6:14]); hash != renderHash {
		return nil, fmt.Errorf("%w: render options changed", ErrStaleImage)
	}

	body := data[headerLen:]
	if flags&flagCompressed != 0 {
		zr, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("init decompressor: %w", err)
		}
		body, err = zr.DecodeAll(body, nil)
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
		}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(body))
	count, err := dec.DecodeArrayLen()
	if err != nil || count < 0 {
		return nil, fmt.Errorf("%w: unreadable entry count", ErrCorruptImage)
	}

	// count comes from untrusted bytes; cap the pre-allocation and let
	// append grow for genuinely large images.
	entries := make([]ImageEntry, 0, min(count, 1024))
	for i := 0; i < count; i++ {
		var entry ImageEntry
		if err := dec.Decode(&entry); err != nil {
			// The stream is out of sync past this point; keep what we have.
			return entries, fmt.Errorf("%w: entry %d: %v", ErrCorruptImage, i, err)
		}
		if entry.Name == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// RenderOptionsHash fingerprints the render configuration. It is stored in
// the image header so a config change invalidates persisted renders.
func RenderOptionsHash(cfg config.RenderConfig) uint64 {
	canonical, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxhash.Sum64(canonical)
}
