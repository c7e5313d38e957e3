package command

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Stream tags for the two output descriptors.
const (
	Stdout = "O"
	Stderr = "E"
)

// LogStream reads r until EOF and emits every line as one record on log,
// tagged with fd. Lines of any length are accepted; a final line without a
// trailing newline is still logged. The returned error is the first read
// error other than io.EOF.
func LogStream(log zerolog.Logger, fd string, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			log.Info().Str("fd", fd).Msg(string(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
