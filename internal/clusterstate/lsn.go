package clusterstate

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLSN converts a PostgreSQL WAL position string of the form "HEX/HEX"
// into an integer byte offset, (high << 32) | low, matching
// convert_xlog_location_to_offset from the original implementation.
func ParseLSN(lsn string) (uint64, error) {
	high, low, ok := strings.Cut(lsn, "/")
	if !ok {
		return 0, fmt.Errorf("clusterstate: malformed LSN %q: missing '/'", lsn)
	}
	h, err := strconv.ParseUint(high, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("clusterstate: malformed LSN %q: %w", lsn, err)
	}
	l, err := strconv.ParseUint(low, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("clusterstate: malformed LSN %q: %w", lsn, err)
	}
	return (h << 32) | l, nil
}

// FormatLSN renders an integer offset back into "HEX/HEX" form.
func FormatLSN(offset uint64) string {
	return fmt.Sprintf("%X/%X", offset>>32, offset&0xFFFFFFFF)
}
