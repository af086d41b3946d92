package main

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"unicode/utf8"
)

// writeTable aligns tab-separated rows under header and rules off the header.
func writeTable(out io.Writer, header string, rows []string) error {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, header)
	for _, r := range rows {
		fmt.Fprintln(w, r)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	head, body, _ := strings.Cut(buf.String(), "\n")
	head = strings.TrimRight(head, " ")
	_, err := fmt.Fprintf(out, "%s\n%s\n%s", head, strings.Repeat("-", utf8.RuneCountInString(head)), body)
	return err
}
