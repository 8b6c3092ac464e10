package main

import (
	"bytes"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeLog returns the log as UTF-8. Terminal captures on Windows are
// commonly UTF-16 with a byte order mark.
func decodeLog(raw []byte) (string, error) {
	r := transform.NewReader(bytes.NewReader(raw), unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	out, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
