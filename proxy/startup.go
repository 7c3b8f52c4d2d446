/*
Package proxy implements the daemon side of pgtemp: a TCP listener that, for
each accepted client connection, produces a backing cluster (mode-dependent)
and splice-proxies bytes to it, rewriting the client's startup packet first
in single mode. Grounded on host-service.go's accept/event-loop shape and
httpserver.go's request-collector style.
*/
package proxy // import "github.com/pgtemp/pgtemp/proxy"

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/jackc/pgproto3/v2"

	"github.com/pgtemp/pgtemp/pgcluster"
)

// readStartupMessage reads the client's initial handshake off conn,
// transparently refusing any SSLRequest/GSSEncRequest with a single 'N'
// byte and looping until it observes the real StartupMessage, per spec §4.5.
// A CancelRequest as the first message on a fresh connection is malformed
// and rejected.
func readStartupMessage(conn net.Conn) (*pgproto3.StartupMessage, error) {
	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)

	for {
		msg, err := backend.ReceiveStartupMessage()
		if err != nil {
			return nil, pgclusterErrorf(err, "failed to read client startup message")
		}

		switch m := msg.(type) {
		case *pgproto3.StartupMessage:
			return m, nil
		case *pgproto3.SSLRequest, *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, pgclusterErrorf(err, "failed to refuse SSL/GSSENC upgrade")
			}
		default:
			return nil, pgclusterErrorf(nil, "unexpected startup message type %T", m)
		}
	}
}

// encodeStartupMessage re-serializes sm (typically after rewriting its
// "database" parameter) using the exact byte layout spec.md §4.5 requires:
// a 4-byte big-endian length inclusive of itself, the 4-byte protocol
// version, then NUL-terminated key/value pairs, then a final NUL.
//
// This is hand-rolled rather than delegated to pgproto3's own Encode,
// because the wire format it must produce is specified byte-for-byte and a
// hand-rolled encoder makes that traceable line-for-line against §4.5.
func encodeStartupMessage(sm *pgproto3.StartupMessage) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, sm.ProtocolVersion)

	for k, v := range sm.Parameters {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(4+len(body)))
	return append(out, body...)
}

// rewriteDatabase returns a copy of sm with its "database" parameter
// replaced by dbname, used by single mode to redirect every client onto its
// own freshly allocated database regardless of what it asked for.
func rewriteDatabase(sm *pgproto3.StartupMessage, dbname string) *pgproto3.StartupMessage {
	params := make(map[string]string, len(sm.Parameters))
	for k, v := range sm.Parameters {
		params[k] = v
	}
	params["database"] = dbname

	return &pgproto3.StartupMessage{
		ProtocolVersion: sm.ProtocolVersion,
		Parameters:      params,
	}
}

func pgclusterErrorf(cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		return fmt.Errorf("%s: %s: %w", pgcluster.ErrProtocolRewrite, msg, cause)
	}
	return fmt.Errorf("%s: %s", pgcluster.ErrProtocolRewrite, msg)
}
