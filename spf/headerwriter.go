package spf

import (
	"fmt"
	"strings"
)

// headerWriter folds a header value at 78 columns, used for the
// Received-SPFBL header prepended by the decision pipeline.
type headerWriter struct {
	b        strings.Builder
	lineLen  int
	nonfirst bool
}

func (w *headerWriter) addf(separator string, format string, args ...any) {
	w.add(separator, fmt.Sprintf(format, args...))
}

func (w *headerWriter) add(separator string, texts ...string) {
	for _, text := range texts {
		n := len(text)
		if w.nonfirst && w.lineLen > 1 && w.lineLen+len(separator)+n > 78 {
			w.b.WriteString("\r\n\t")
			w.lineLen = 1
		} else if w.nonfirst && separator != "" {
			w.b.WriteString(separator)
			w.lineLen += len(separator)
		}
		w.b.WriteString(text)
		w.lineLen += len(text)
		w.nonfirst = true
	}
}

func (w *headerWriter) String() string {
	return w.b.String() + "\r\n"
}
