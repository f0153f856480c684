package yate

import "strings"

// Output is the C8 "output stream" component: a line-oriented sink that
// forwards application log text through the transport as %%>output:
// commands (spec §4.4 "output", §2 C8). It splits on "\n" so a single
// multi-line message lands as one engine log line per input line.
func (c *Connection) Output(line string) error {
	for _, part := range strings.Split(line, "\n") {
		if err := c.tr.writeLine(SerializeOutput(part)); err != nil {
			return err
		}
	}
	return nil
}
