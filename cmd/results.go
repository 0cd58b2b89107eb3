package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/airframesio/observation-backfill/cmd/backfill"
	"github.com/airframesio/observation-backfill/cmd/compressors"
)

const maxOutcomeLine = 4 * 1024 * 1024

// readOutcomes decodes chunk outcomes from either a JSON array or JSONL (one outcome per line).
func readOutcomes(r io.Reader) ([]backfill.ChunkOutcome, error) {
	buffered := bufio.NewReader(r)

	first, err := peekNonSpace(buffered)
	if errors.Is(err, io.EOF) {
		return []backfill.ChunkOutcome{}, nil
	}
	if err != nil {
		return nil, err
	}

	outcomes := []backfill.ChunkOutcome{}
	if first == '[' {
		if err := json.NewDecoder(buffered).Decode(&outcomes); err != nil {
			return nil, fmt.Errorf("failed to parse outcome array: %w", err)
		}
		return outcomes, nil
	}

	scanner := bufio.NewScanner(buffered)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutcomeLine)
	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var outcome backfill.ChunkOutcome
		if err := json.Unmarshal(data, &outcome); err != nil {
			return nil, fmt.Errorf("failed to parse outcome on line %d: %w", line, err)
		}
		outcomes = append(outcomes, outcome)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	return outcomes, nil
}

func peekNonSpace(r *bufio.Reader) (byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, r.UnreadByte()
	}
}

// loadOutcomesFile reads outcomes from path, or from stdin when path is "-".
// Compressed files are detected by extension.
func loadOutcomesFile(path string, stdin io.Reader) ([]backfill.ChunkOutcome, error) {
	if path == "-" {
		return readOutcomes(stdin)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open outcomes: %w", err)
	}
	defer file.Close()

	codec := compressors.ForPath(path)
	reader, err := codec.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s stream: %w", codec.Name(), err)
	}
	defer reader.Close()

	return readOutcomes(reader)
}

// writeOutcomesFile writes outcomes as JSONL to path, compressed according to its extension.
func writeOutcomesFile(path string, level int, outcomes []backfill.ChunkOutcome) error {
	codec := compressors.ForPath(path)
	if level == 0 {
		level = codec.DefaultLevel()
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	writer, err := codec.NewWriter(file, level)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to create %s writer: %w", codec.Name(), err)
	}

	encoder := json.NewEncoder(writer)
	for _, outcome := range outcomes {
		if err := encoder.Encode(outcome); err != nil {
			writer.Close()
			file.Close()
			return fmt.Errorf("failed to write outcome of %s: %w", outcome.ChunkKey, err)
		}
	}

	if err := writer.Close(); err != nil {
		file.Close()
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return file.Close()
}
