package openai

import (
	"bufio"
	"io"
	"strings"
)

// sseReader reads server-sent events from a chat completions stream.
// The completions API only uses data fields, one JSON payload per event.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readData returns the data payload of the next event, skipping
// comments and non-data fields. io.EOF signals end of stream.
func (s *sseReader) readData() (string, error) {
	var dataLines []string

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			return "", err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 {
				return strings.Join(dataLines, "\n"), nil
			}
			continue
		}

		// Comment
		if strings.HasPrefix(line, ":") {
			continue
		}

		value, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// event/id/retry fields are not used by the completions API
			continue
		}
		dataLines = append(dataLines, strings.TrimPrefix(value, " "))
	}
}
