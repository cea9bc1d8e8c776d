package backend

import (
	"io"
	"strings"
	"testing"
)

// chunkReader yields the stream in fixed-size pieces so records split
// across reads the way real network chunks do.
type chunkReader struct {
	data []byte
	size int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	n := c.size
	if n > len(c.data) {
		n = len(c.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func collectRecords(t *testing.T, r io.Reader) []string {
	t.Helper()
	s := newRecordScanner(r)
	var out []string
	for {
		payload, err := s.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out = append(out, string(payload))
	}
}

func TestRecordScanner_Basic(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {\"b\":2}\n\n"
	got := collectRecords(t, strings.NewReader(stream))

	want := []string{`{"a":1}`, `{"b":2}`}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRecordScanner_SplitAcrossReads(t *testing.T) {
	stream := "data: {\"progress\":0.25}\n\ndata: {\"progress\":0.5}\n\n"
	got := collectRecords(t, &chunkReader{data: []byte(stream), size: 7})

	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0] != `{"progress":0.25}` {
		t.Errorf("record 0 = %q", got[0])
	}
}

func TestRecordScanner_MultipleDataLines(t *testing.T) {
	stream := "event: progress\ndata: {\"a\":\ndata: 1}\n\n"
	got := collectRecords(t, strings.NewReader(stream))

	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0] != "{\"a\":\n1}" {
		t.Errorf("record = %q", got[0])
	}
}

func TestRecordScanner_SkipsRecordWithoutData(t *testing.T) {
	stream := ": keepalive\n\ndata: {\"a\":1}\n\n"
	got := collectRecords(t, strings.NewReader(stream))

	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want single data record", got)
	}
}

func TestRecordScanner_DropsTrailingPartial(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {\"trunc"
	got := collectRecords(t, strings.NewReader(stream))

	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v, want truncated tail dropped", got)
	}
}

func TestRecordScanner_CRLF(t *testing.T) {
	stream := "data: {\"a\":1}\r\n\ndata: {\"b\":2}\n\n"
	got := collectRecords(t, strings.NewReader(stream))

	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0] != `{"a":1}` {
		t.Errorf("record 0 = %q, want CR stripped", got[0])
	}
}
