package buildgraph

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// graphMagic prefixes serialized graph payloads so a truncated or
// foreign blob is rejected before decompression.
var graphMagic = []byte("HBG1")

// JobState bundles everything the coordinator needs for one build:
// the unit graph and the file snapshot it was computed against.
type JobState struct {
	Graph GraphSnapshot `json:"graph"`
	Files FileSnapshot  `json:"files"`
}

// Encode serializes a job state as zstd-compressed JSON.
func Encode(state *JobState) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal job state: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(graphMagic)

	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress job state: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flush zstd writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode deserializes a payload produced by Encode and validates the
// contained graph and snapshot.
func Decode(payload []byte) (*JobState, error) {
	if !bytes.HasPrefix(payload, graphMagic) {
		return nil, fmt.Errorf("payload is not a serialized build graph (bad magic)")
	}

	dec, err := zstd.NewReader(bytes.NewReader(payload[len(graphMagic):]))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress job state: %w", err)
	}

	var state JobState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal job state: %w", err)
	}

	if err := state.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build graph: %w", err)
	}
	if err := state.Files.Validate(); err != nil {
		return nil, fmt.Errorf("invalid file snapshot: %w", err)
	}

	return &state, nil
}
