package log

import "fmt"

// color is a minimal port of the teacher's utils/xterm package, kept
// local since this module only ever needs the one accent used for error
// and fatal lines.
type color struct {
	f, b uint8
}

var red = color{f: 35, b: 1}

func (c color) S(text string) string {
	return fmt.Sprintf("\x1b[%d;%dm%s\x1b[m", c.b, c.f, text)
}
