package archive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/roach88/tracereplay/internal/model"
)

// ContentType of an encoded bundle body.
const ContentType = "application/json"

// BundleVersion is bumped when the bundle layout changes.
const BundleVersion = 1

// Bundle is the archived form of one recording.
type Bundle struct {
	Version    int                    `json:"version"`
	Recording  model.Recording        `json:"recording"`
	Events     []model.WebhookEvent   `json:"events"`
	Traces     []model.ExecutionTrace `json:"traces"`
	ExportedAt time.Time              `json:"exportedAt"`
}

// Key returns the object key for a recording's bundle.
func Key(recordingID string) string {
	return "recordings/" + recordingID + ".json.zst"
}

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll and are
// shared across calls.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("archive: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes b as JSON and compresses it with zstd.
func Encode(b Bundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}
	return encoder.EncodeAll(raw, nil), nil
}

// Decode reverses Encode. Numbers in payloads decode as json.Number.
func Decode(data []byte) (Bundle, error) {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return Bundle{}, fmt.Errorf("decompress bundle: %w", err)
	}
	var b Bundle
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("unmarshal bundle: %w", err)
	}
	return b, nil
}
