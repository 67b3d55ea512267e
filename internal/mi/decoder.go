package mi

import (
	"bufio"
	"io"
	"strings"
)

// Decoder reads records from a backend's output stream.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next record, skipping prompts and blank lines. A final
// line without a newline is still decoded before the read error is returned.
func (d *Decoder) Next() (Record, error) {
	for {
		line, err := d.r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if rec, ok := ParseLine(line); ok {
				return rec, nil
			}
		}
		if err != nil {
			return Record{}, err
		}
	}
}
