// Package parser decodes exported finding objects: gzip-compressed,
// newline-delimited JSON with one finding per line.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/lvonguyen/guardduty-sentinel/internal/finding"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 * 1024 * 1024

var gzipMagic = []byte{0x1f, 0x8b}

// LineError records one line that could not be turned into a finding.
type LineError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Result is the outcome of parsing one stream.
type Result struct {
	Findings   []finding.Finding `json:"-"`
	Errors     []LineError       `json:"errors"`
	TotalLines int               `json:"total_lines"`
}

// Parse reads newline-delimited findings from r. Malformed lines are recorded
// in Result.Errors and parsing continues; only a read failure on r itself is
// returned as an error.
func Parse(r io.Reader) (*Result, error) {
	result := &Result{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		result.TotalLines++

		f, err := parseLine(line)
		if err != nil {
			result.Errors = append(result.Errors, LineError{Line: lineNo, Message: err.Error()})
			continue
		}
		result.Findings = append(result.Findings, f)
	}

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading finding stream: %w", err)
	}

	return result, nil
}

// ParseBytes is Parse over an in-memory buffer, decompressing it first when
// it is gzip encoded.
func ParseBytes(data []byte) (*Result, error) {
	rc, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Parse(rc)
}

func parseLine(line []byte) (finding.Finding, error) {
	var f finding.Finding
	if err := json.Unmarshal(line, &f); err != nil {
		return finding.Finding{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := f.Validate(); err != nil {
		return finding.Finding{}, fmt.Errorf("invalid finding: %w", err)
	}
	// the scanner reuses its buffer
	f.Raw = append([]byte(nil), line...)
	return f, nil
}

// Decompress returns a reader over the plaintext of data. Gzip input is
// detected by its magic number; anything else is returned as is.
func Decompress(data []byte) (io.ReadCloser, error) {
	if !bytes.HasPrefix(data, gzipMagic) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	return zr, nil
}
