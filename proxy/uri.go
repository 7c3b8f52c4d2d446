package proxy // import "github.com/pgtemp/pgtemp/proxy"

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// A Template is the parsed form of the operator-supplied connection URI
// (`postgresql://[user[:pass]@]host:port[/dbname]`): its host/port name the
// daemon's own listen address, and its user/password/dbname become the
// defaults every backing cluster (normal mode) or the shared cluster
// (single mode) is built with.
type Template struct {
	User     string
	Password string
	Host     string
	Port     uint16
	DBName   string
}

// ParseTemplate parses raw per spec.md §6's CLI grammar. User and dbname
// default to "postgres", mirroring pgcluster.NewBuilder's defaults; the
// listen port defaults to 5432 if unspecified.
func ParseTemplate(raw string) (*Template, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid connection URI %q: %w", raw, err)
	}
	if u.Scheme != "postgresql" && u.Scheme != "postgres" {
		return nil, fmt.Errorf("invalid connection URI %q: scheme must be postgresql:// or postgres://", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid connection URI %q: missing host", raw)
	}

	t := &Template{
		User:   "postgres",
		DBName: "postgres",
		Port:   5432,
	}

	if u.User != nil {
		t.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			t.Password = pw
		}
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		// No port given; net.SplitHostPort errors on "host" with no colon.
		host = u.Host
	} else if portStr != "" {
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid connection URI %q: bad port %q", raw, portStr)
		}
		t.Port = uint16(port)
	}
	t.Host = host

	if dbname := strings.TrimPrefix(u.Path, "/"); dbname != "" {
		t.DBName = dbname
	}

	return t, nil
}
