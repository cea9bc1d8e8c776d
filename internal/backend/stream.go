package backend

import (
	"bytes"
	"io"
)

// recordDelimiter separates server-sent event records.
var recordDelimiter = []byte("\n\n")

// dataPrefix marks payload lines within a record.
var dataPrefix = []byte("data:")

// recordScanner splits a server-sent event stream into data payloads.
// A record is everything up to a blank line; its payload is the
// concatenation of the record's "data:" lines. Partial records are buffered
// across reads; a trailing partial with no closing delimiter is held until
// the next read and silently dropped at EOF.
type recordScanner struct {
	r   io.Reader
	buf []byte
	err error
}

func newRecordScanner(r io.Reader) *recordScanner {
	return &recordScanner{r: r}
}

// Next returns the payload of the next complete record. It returns io.EOF
// once the stream ends. Records without any data line are skipped.
func (s *recordScanner) Next() ([]byte, error) {
	for {
		if idx := bytes.Index(s.buf, recordDelimiter); idx >= 0 {
			record := s.buf[:idx]
			s.buf = s.buf[idx+len(recordDelimiter):]

			payload := extractData(record)
			if payload == nil {
				continue
			}
			return payload, nil
		}

		if s.err != nil {
			return nil, s.err
		}

		chunk := make([]byte, 4096)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			s.err = err
		}
	}
}

func extractData(record []byte) []byte {
	var payload []byte
	for _, line := range bytes.Split(record, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		data := bytes.TrimPrefix(line, dataPrefix)
		data = bytes.TrimPrefix(data, []byte(" "))
		if payload != nil {
			payload = append(payload, '\n')
		}
		payload = append(payload, data...)
	}
	return payload
}
