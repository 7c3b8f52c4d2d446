/*
Package dumputil invokes pg_dump, pg_restore, and psql against a live
cluster, optionally compressing/decompressing archives with lz4.
*/
package dumputil // import "github.com/pgtemp/pgtemp/pgcluster/dumputil"

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// ConnInfo carries the connection parameters dumputil needs to invoke the
// vendor utilities against a live cluster. It deliberately mirrors the
// subset of Cluster's fields relevant to connecting, rather than importing
// pgcluster, so that dumputil has no dependency on the package that will
// consume it.
type ConnInfo struct {
	Host     string
	Port     uint16
	User     string
	Password string
	DBName   string
}

// pgArchiveMagic is the 5-byte signature at the start of a pg_dump custom
// ("binary") archive; its presence tells Load whether to route the file
// through pg_restore instead of psql.
var pgArchiveMagic = []byte("PGDMP")

// Dump invokes pg_dump with --no-owner --no-privileges against conn's
// default database, streaming stdout to destPath. If destPath ends in
// ".lz4", the stream is compressed on the fly with github.com/pierrec/lz4/v4
// (the same library the teacher uses to compress user-config archives in
// mandelbox/configutils) rather than shelling out to a second process.
func Dump(ctx context.Context, conn ConnInfo, destPath string) error {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"--host", conn.Host,
		"--port", fmt.Sprintf("%d", conn.Port),
		"--username", conn.User,
		"--no-owner",
		"--no-privileges",
		"--dbname", conn.DBName,
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+conn.Password)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("DumpFailed: failed to pipe pg_dump stdout: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("DumpFailed: failed to create destination file %s: %w", destPath, err)
	}
	defer out.Close()

	var writer io.Writer = out
	var lz4w *lz4.Writer
	if strings.HasSuffix(destPath, ".lz4") {
		lz4w = lz4.NewWriter(out)
		writer = lz4w
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("DumpFailed: failed to start pg_dump: %w", err)
	}

	if _, err := io.Copy(writer, stdout); err != nil {
		return fmt.Errorf("DumpFailed: failed to stream pg_dump output to %s: %w", destPath, err)
	}

	if lz4w != nil {
		if err := lz4w.Close(); err != nil {
			return fmt.Errorf("DumpFailed: failed to flush lz4 writer: %w", err)
		}
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("DumpFailed: pg_dump exited with error: %w: %s", err, stderr.String())
	}
	return nil
}

// Load replays srcPath into conn's default database. Plain SQL text and
// plain-format dumps are fed to psql; custom-format binary archives are
// detected by their PGDMP magic header and routed through pg_restore
// instead. Files ending in ".lz4" are transparently decompressed first.
func Load(ctx context.Context, conn ConnInfo, srcPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("LoadFailed: failed to open dump file %s: %w", srcPath, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(srcPath, ".lz4") {
		reader = lz4.NewReader(f)
	}

	buffered := bufio.NewReader(reader)
	isArchive, err := looksLikeArchive(buffered)
	if err != nil {
		return fmt.Errorf("LoadFailed: failed to inspect dump file %s: %w", srcPath, err)
	}

	if isArchive {
		return runLoadCommand(ctx, conn, buffered, "pg_restore",
			"--host", conn.Host, "--port", fmt.Sprintf("%d", conn.Port),
			"--username", conn.User, "--no-owner", "--no-privileges",
			"--dbname", conn.DBName)
	}

	return runLoadCommand(ctx, conn, buffered, "psql",
		"--host", conn.Host, "--port", fmt.Sprintf("%d", conn.Port),
		"--username", conn.User, "--dbname", conn.DBName, "--no-password")
}

func looksLikeArchive(r *bufio.Reader) (bool, error) {
	peeked, err := r.Peek(len(pgArchiveMagic))
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(peeked, pgArchiveMagic), nil
}

func runLoadCommand(ctx context.Context, conn ConnInfo, stdin io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+conn.Password)
	cmd.Stdin = stdin

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("LoadFailed: %s exited with error: %w: %s", name, err, stderr.String())
	}
	return nil
}
