package proxy

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// rawStartupPacket hand-builds a v3 startup packet the same way a real
// libpq client would, so readStartupMessage can be tested without a real
// PostgreSQL client on the other end of the wire.
func rawStartupPacket(params map[string]string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, 0x00030000)
	for k, v := range params {
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

func rawSSLRequest() []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint32(out[0:4], 8)
	binary.BigEndian.PutUint32(out[4:8], 80877103)
	return out
}

func TestReadStartupMessageDecodesParameters(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(rawStartupPacket(map[string]string{"user": "postgres", "database": "orig"}))
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	server.SetDeadline(time.Now().Add(2 * time.Second))

	sm, err := readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage failed: %v", err)
	}
	if sm.Parameters["user"] != "postgres" || sm.Parameters["database"] != "orig" {
		t.Fatalf("unexpected parameters: %+v", sm.Parameters)
	}
}

func TestReadStartupMessageRefusesSSLThenReadsRealMessage(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(rawSSLRequest())
		buf := make([]byte, 1)
		client.Read(buf)
		if buf[0] != 'N' {
			t.Errorf("expected server to refuse SSL upgrade with 'N', got %q", buf)
		}
		client.Write(rawStartupPacket(map[string]string{"user": "postgres", "database": "orig"}))
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	server.SetDeadline(time.Now().Add(2 * time.Second))

	sm, err := readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage failed: %v", err)
	}
	if sm.Parameters["database"] != "orig" {
		t.Fatalf("expected database=orig after SSL refusal handshake, got %+v", sm.Parameters)
	}
}

func TestRewriteDatabaseReplacesOnlyDatabaseParam(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		client.Write(rawStartupPacket(map[string]string{"user": "postgres", "database": "orig"}))
	}()
	client.SetDeadline(time.Now().Add(2 * time.Second))
	server.SetDeadline(time.Now().Add(2 * time.Second))

	sm, err := readStartupMessage(server)
	if err != nil {
		t.Fatalf("readStartupMessage failed: %v", err)
	}

	rewritten := rewriteDatabase(sm, "pgtemp_7")
	if rewritten.Parameters["database"] != "pgtemp_7" {
		t.Fatalf("expected database to be rewritten to pgtemp_7, got %q", rewritten.Parameters["database"])
	}
	if rewritten.Parameters["user"] != "postgres" {
		t.Fatalf("expected user parameter to be preserved, got %q", rewritten.Parameters["user"])
	}
	if sm.Parameters["database"] != "orig" {
		t.Fatalf("expected original StartupMessage to be left untouched, got %q", sm.Parameters["database"])
	}

	encoded := encodeStartupMessage(rewritten)
	gotLen := binary.BigEndian.Uint32(encoded[0:4])
	if int(gotLen) != len(encoded) {
		t.Fatalf("encoded length field %d does not match actual length %d", gotLen, len(encoded))
	}
	if binary.BigEndian.Uint32(encoded[4:8]) != 0x00030000 {
		t.Fatalf("expected protocol version 3.0 to be preserved")
	}
}
