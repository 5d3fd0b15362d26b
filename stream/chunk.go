package stream

import (
	"bufio"
	"bytes"
	"io"
	"strings"

	"github.com/c360/espflow/codec"
)

// chunkReader splits a stream of encoded events into pieces of at most n
// events that decode on their own. CSV is split on record boundaries (quoted
// newlines stay inside their record) and properties on blank lines. JSON and
// XML documents cannot be split safely, so they come back whole.
type chunkReader struct {
	br     *bufio.Reader
	format codec.Format
	n      int
	offset int
	done   bool
}

func newChunkReader(r io.Reader, f codec.Format, n int) *chunkReader {
	return &chunkReader{br: bufio.NewReader(r), format: f, n: n}
}

// next returns the next chunk and how many events it holds. The error is
// io.EOF together with the final chunk.
func (c *chunkReader) next() ([]byte, int, error) {
	if c.done {
		return nil, 0, io.EOF
	}
	switch c.format {
	case codec.CSV:
		return c.records(csvRecordDone)
	case codec.Properties:
		return c.records(nil)
	}

	data, err := io.ReadAll(c.br)
	c.done = true
	if err != nil {
		return nil, 0, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, 0, io.EOF
	}
	c.offset++
	return data, 1, io.EOF
}

// records gathers n records. With complete set, a record ends at the line for
// which complete reports true; without it, records are blank-line separated.
func (c *chunkReader) records(complete func(record []byte) bool) ([]byte, int, error) {
	var chunk, record bytes.Buffer
	count := 0

	for count < c.n {
		line, err := c.br.ReadBytes('\n')
		if len(line) > 0 {
			blank := len(bytes.TrimSpace(line)) == 0
			switch {
			case complete != nil:
				record.Write(line)
				if complete(record.Bytes()) {
					if len(bytes.TrimSpace(record.Bytes())) > 0 {
						chunk.Write(record.Bytes())
						if !bytes.HasSuffix(record.Bytes(), []byte("\n")) {
							chunk.WriteString("\n")
						}
						count++
					}
					record.Reset()
				}
			case blank:
				if record.Len() > 0 {
					chunk.Write(record.Bytes())
					chunk.WriteString("\n")
					count++
					record.Reset()
				}
			default:
				record.Write(line)
			}
		}
		if err != nil {
			if record.Len() > 0 {
				chunk.Write(record.Bytes())
				if !bytes.HasSuffix(record.Bytes(), []byte("\n")) {
					chunk.WriteString("\n")
				}
				count++
			}
			c.done = true
			c.offset += count
			if err == io.EOF {
				return chunk.Bytes(), count, io.EOF
			}
			return chunk.Bytes(), count, err
		}
	}
	c.offset += count
	return chunk.Bytes(), count, nil
}

// csvRecordDone reports whether record holds balanced quotes.
func csvRecordDone(record []byte) bool {
	return strings.Count(string(record), `"`)%2 == 0
}
