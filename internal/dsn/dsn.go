// Package dsn parses PostgreSQL connection strings in both supported
// formats (libpq key=value and postgres:// URLs) into a normalized
// key-to-value mapping, and renders a masked form safe for logging.
//
// The libpq grammar (quoted values using backslash escapes and doubled
// single quotes) is not exposed by any connection-string parser in the
// example pack, so it is implemented directly here rather than pulled
// from a library — see DESIGN.md.
package dsn

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Parse normalizes a connection string, which may be either libpq
// key=value form or a postgres://, postgresql:// URL, into a map.
func Parse(connInfo string) (map[string]string, error) {
	if strings.HasPrefix(connInfo, "postgres://") || strings.HasPrefix(connInfo, "postgresql://") {
		return parseURL(connInfo)
	}
	return parseLibpq(connInfo)
}

func parseURL(raw string) (map[string]string, error) {
	// Some schemes confuse net/url's path/query handling; psycopg2's own
	// parser works around this by dropping the scheme before parsing, and
	// we do the same.
	_, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, fmt.Errorf("dsn: malformed URL %q", raw)
	}
	u, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("dsn: %w", err)
	}

	fields := make(map[string]string)
	if host := u.Hostname(); host != "" {
		fields["host"] = host
	}
	if port := u.Port(); port != "" {
		fields["port"] = port
	}
	if u.User != nil {
		if user := u.User.Username(); user != "" {
			fields["user"] = user
		}
		if pass, ok := u.User.Password(); ok {
			fields["password"] = pass
		}
	}
	if u.Path != "" && u.Path != "/" {
		fields["dbname"] = strings.TrimPrefix(u.Path, "/")
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			fields[k] = v[len(v)-1]
		}
	}
	return fields, nil
}

func parseLibpq(connInfo string) (map[string]string, error) {
	fields := make(map[string]string)
	rest := connInfo
	for {
		rest = strings.TrimSpace(rest)
		if rest == "" {
			break
		}
		key, tail, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("dsn: expecting key=value in fragment %q", rest)
		}
		key = strings.TrimSpace(key)

		var value string
		if strings.HasPrefix(tail, "'") {
			var b strings.Builder
			asis := false
			i := 1
			closed := false
			for ; i < len(tail); i++ {
				c := tail[i]
				switch {
				case asis:
					b.WriteByte(c)
					asis = false
				case c == '\'':
					if i+1 < len(tail) && tail[i+1] == '\'' {
						b.WriteByte('\'')
						i++
					} else {
						closed = true
					}
				case c == '\\':
					asis = true
				default:
					b.WriteByte(c)
				}
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("dsn: invalid fragment %q: unterminated quoted value", tail)
			}
			value = b.String()
			rest = tail[i+1:]
		} else {
			parts := strings.SplitN(tail, " ", 2)
			value = parts[0]
			if len(parts) > 1 {
				rest = parts[1]
			} else {
				rest = ""
			}
		}
		fields[key] = value
	}
	return fields, nil
}

// Mask renders a connection info map as a libpq-style string with the
// password field removed, suitable for logging.
func Mask(info map[string]string) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		if k == "password" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", k, quoteIfNeeded(info[k]))
	}
	if _, hadPassword := info["password"]; hadPassword {
		b.WriteString("; hidden password")
	} else {
		b.WriteString("; no password")
	}
	return b.String()
}

// Format renders a connection info map as a full libpq key=value string,
// password included, suitable for handing to a connector (not for logs).
func Format(info map[string]string) string {
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%s", k, quoteIfNeeded(info[k]))
	}
	return b.String()
}

func quoteIfNeeded(v string) string {
	if v == "" || strings.ContainsAny(v, " '\\") {
		escaped := strings.ReplaceAll(v, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `'`, `\'`)
		return "'" + escaped + "'"
	}
	return v
}
