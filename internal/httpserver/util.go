package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
)

const maxRequestBody = 1 << 20

// decodeJSON decodes a JSON request body into dest, rejecting unknown fields.
// The reader is closed after decoding.
func decodeJSON(r io.ReadCloser, dest any) error {
	defer r.Close()
	decoder := json.NewDecoder(io.LimitReader(r, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// parseMinorUnits accepts an integer amount given as a JSON number or string.
func parseMinorUnits(n json.Number) (int64, error) {
	raw := strings.TrimSpace(n.String())
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.New("amount must be a non-negative integer in minor units")
	}
	return v, nil
}
