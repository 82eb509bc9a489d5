package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func findingLine(id string) string {
	return fmt.Sprintf(`{"id":%q,"accountId":"123456789012","region":"us-east-1","type":"Recon:EC2/PortProbeUnprotectedPort","severity":2.0,"createdAt":"2024-03-01T10:00:00Z","updatedAt":"2024-03-01T10:00:00Z","title":"t","description":"d"}`, id)
}

// TestParse_PartialMalformation verifies that one bad line is recorded and
// the lines around it still parse.
func TestParse_PartialMalformation(t *testing.T) {
	input := strings.Join([]string{findingLine("a"), `{bad json`, findingLine("b")}, "\n")

	res, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse should not fail on malformed lines: %v", err)
	}

	if len(res.Findings) != 2 {
		t.Fatalf("expected 2 findings, got %d", len(res.Findings))
	}
	if len(res.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(res.Errors))
	}
	if res.Errors[0].Line != 2 {
		t.Errorf("expected error on line 2, got %d", res.Errors[0].Line)
	}
	if res.TotalLines != 3 {
		t.Errorf("expected 3 total lines, got %d", res.TotalLines)
	}
	if res.Findings[0].ID != "a" || res.Findings[1].ID != "b" {
		t.Errorf("findings out of order: %s, %s", res.Findings[0].ID, res.Findings[1].ID)
	}
}

// TestParse_Resilience interleaves valid, malformed and invalid-shape lines
// and checks every line is accounted for.
func TestParse_Resilience(t *testing.T) {
	lines := []string{
		`not json at all`,
		findingLine("1"),
		`{"id":"","accountId":"x"}`,
		findingLine("2"),
		`{"id":"sev","accountId":"1","region":"r","type":"t","severity":12,"createdAt":"2024-01-01T00:00:00Z"}`,
		findingLine("3"),
		`[]`,
	}
	res, err := Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const valid, malformed = 3, 4
	if len(res.Findings) != valid {
		t.Errorf("expected %d findings, got %d", valid, len(res.Findings))
	}
	if len(res.Errors) != malformed {
		t.Errorf("expected %d errors, got %d", malformed, len(res.Errors))
	}
	if res.TotalLines != valid+malformed {
		t.Errorf("expected totalLines=%d, got %d", valid+malformed, res.TotalLines)
	}
}

// TestParse_EmptyLinesSkipped verifies blank lines are neither findings nor
// errors.
func TestParse_EmptyLinesSkipped(t *testing.T) {
	input := "\n\n" + findingLine("a") + "\n   \n\t\n" + findingLine("b") + "\n\n"

	res, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Findings) != 2 || len(res.Errors) != 0 || res.TotalLines != 2 {
		t.Errorf("expected 2 findings, 0 errors, 2 lines; got %d, %d, %d",
			len(res.Findings), len(res.Errors), res.TotalLines)
	}
}

// TestParse_RawRetained verifies the verbatim source line is kept.
func TestParse_RawRetained(t *testing.T) {
	line := findingLine("raw")
	res, err := Parse(strings.NewReader(line + "\n" + findingLine("other")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(res.Findings[0].Raw) != line {
		t.Errorf("raw line not retained:\n got %s\nwant %s", res.Findings[0].Raw, line)
	}
}

// TestParse_RoundTrip verifies core identity fields survive
// serialize-then-parse.
func TestParse_RoundTrip(t *testing.T) {
	res, err := Parse(strings.NewReader(findingLine("orig")))
	if err != nil || len(res.Findings) != 1 {
		t.Fatalf("setup parse failed: %v", err)
	}
	orig := res.Findings[0]
	orig.Raw = nil

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, err := Parse(bytes.NewReader(data))
	if err != nil || len(back.Findings) != 1 {
		t.Fatalf("reparse failed: %v, %+v", err, back)
	}
	got := back.Findings[0]
	if got.ID != orig.ID || got.AccountID != orig.AccountID || got.Region != orig.Region ||
		got.Severity != orig.Severity || got.Type != orig.Type {
		t.Errorf("identity fields changed: %+v vs %+v", got, orig)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

// TestParse_ReadFailure verifies stream read failures are the only fatal
// case.
func TestParse_ReadFailure(t *testing.T) {
	if _, err := Parse(failingReader{}); err == nil {
		t.Error("Parse should return an error when the stream cannot be read")
	}
}

// TestParseBytes_Gzip verifies gzip input is detected and inflated.
func TestParseBytes_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(findingLine("g1") + "\n" + findingLine("g2") + "\n"))
	zw.Close()

	res, err := ParseBytes(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseBytes: %v", err)
	}
	if len(res.Findings) != 2 {
		t.Errorf("expected 2 findings, got %d", len(res.Findings))
	}

	plain, err := ParseBytes([]byte(findingLine("p1")))
	if err != nil || len(plain.Findings) != 1 {
		t.Errorf("plain input should pass through: %v", err)
	}
}

// TestDecompress_CorruptGzip verifies a truncated gzip header errors.
func TestDecompress_CorruptGzip(t *testing.T) {
	if _, err := Decompress([]byte{0x1f, 0x8b, 0x00}); err == nil {
		t.Error("expected error for corrupt gzip header")
	}
}
