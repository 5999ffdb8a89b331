package ioerr

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrorField is the logrus field key under which callers attach an *Error
// so that Formatter can render the spec-mandated line for it.
const ErrorField = "ioerr"

// Formatter implements logrus.Formatter. Entries carrying an *Error under
// ErrorField are rendered as `Error: <message> (Code: <n>)\n` exactly as
// spec.md §7 requires; every other entry falls back to a plain
// `<message> field=value ...` line so runtime logging stays uniform
// without fighting the literal wire contract for error lines.
type Formatter struct{}

func (Formatter) Format(e *logrus.Entry) ([]byte, error) {
	buf := &bytes.Buffer{}
	if v, ok := e.Data[ErrorField]; ok {
		if ie, ok := v.(*Error); ok {
			buf.WriteString(ie.Line())
			buf.WriteByte('\n')
			return buf.Bytes(), nil
		}
	}
	fmt.Fprint(buf, e.Message)
	for k, v := range e.Data {
		fmt.Fprintf(buf, " %s=%v", k, v)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
