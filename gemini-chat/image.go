package main

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
)

const maxImageBytes = 5 << 20

var (
	errImageTooLarge = errors.New("image exceeds 5 MiB")
	errNotImage      = errors.New("file is not an image")
	errBadDataURL    = errors.New("malformed image data URL")
)

// imageDataURL reads an uploaded file and encodes it as a base64 data URL,
// the form in which images are stored in messages.
func imageDataURL(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxImageBytes+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxImageBytes {
		return "", errImageTooLarge
	}
	ctype := http.DetectContentType(data)
	if !strings.HasPrefix(ctype, "image/") {
		return "", errNotImage
	}
	return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// validateImageDataURL checks that s is a base64 data URL whose payload
// sniffs as an image.
func validateImageDataURL(s string) error {
	if !strings.HasPrefix(s, "data:image/") {
		return errBadDataURL
	}
	_, payload, ok := strings.Cut(s, ";base64,")
	if !ok {
		return errBadDataURL
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > maxImageBytes+2 {
		return errImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errBadDataURL
	}
	if len(data) > maxImageBytes {
		return errImageTooLarge
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return errNotImage
	}
	return nil
}
