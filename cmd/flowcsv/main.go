// Command flowcsv converts a flowwatch recorder archive (newline-delimited
// JSON, optionally zstd-compressed) into a flat CSV file.
package main

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/flowwatch/flowwatch/recorder"
)

// zstdBinary is the external decompressor invoked for .zst archives.
var zstdBinary = "zstd"

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// row is the flattened, struct-tag-driven shape gocsv writes one line per
// archived observation from. recorder.Record nests tracker.Connection,
// which itself nests ProtocolState/DPIInfo; gocsv only walks one level of
// struct tags, so the fields worth reporting are copied out flat here
// rather than asking gocsv to marshal the nested shape directly.
type row struct {
	Timestamp   string `csv:"timestamp"`
	SocketKey   string `csv:"socket_key"`
	Sequence    int    `csv:"sequence"`
	Protocol    string `csv:"protocol"`
	LocalAddr   string `csv:"local_addr"`
	RemoteAddr  string `csv:"remote_addr"`
	TCPState    string `csv:"tcp_state"`
	BytesSent   uint64 `csv:"bytes_sent"`
	BytesRecv   uint64 `csv:"bytes_received"`
	PID         int    `csv:"pid"`
	ProcessName string `csv:"process_name"`
	AppProtocol string `csv:"app_protocol"`
}

func readRecords(rdr io.Reader) ([]*recorder.Record, error) {
	var records []*recorder.Record
	scanner := bufio.NewScanner(rdr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec recorder.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, scanner.Err()
}

func toRows(records []*recorder.Record) []*row {
	rows := make([]*row, 0, len(records))
	for _, r := range records {
		conn := r.Snapshot
		appProto := "none"
		if conn.DPIInfo != nil {
			appProto = conn.DPIInfo.Application.Kind.String()
		}
		rows = append(rows, &row{
			Timestamp:   r.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			SocketKey:   r.SocketKey,
			Sequence:    r.Sequence,
			Protocol:    conn.Protocol.String(),
			LocalAddr:   conn.LocalAddr.String(),
			RemoteAddr:  conn.RemoteAddr.String(),
			TCPState:    conn.ProtocolState.TCP.String(),
			BytesSent:   conn.BytesSent,
			BytesRecv:   conn.BytesReceived,
			PID:         conn.PID,
			ProcessName: conn.ProcessName,
			AppProtocol: appProto,
		})
	}
	return rows
}

// openFile either opens a plain file, or opens and transparently unzips one
// ending in .zst, mirroring the teacher's csvtool openFile.
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return openArchive(fn)
	}
	return os.Open(fn)
}

// archiveReader streams the decompressed output of an external zstd
// process reading fn, so flowcsv never needs a compression library of its
// own for an operation it performs exactly once per invocation.
type archiveReader struct {
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func openArchive(fn string) (io.ReadCloser, error) {
	cmd := exec.Command(zstdBinary, "-d", "-c", fn)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &archiveReader{stdout: stdout, cmd: cmd}, nil
}

func (r *archiveReader) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

func (r *archiveReader) Close() error {
	r.stdout.Close()
	return r.cmd.Wait()
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser = os.Stdin
	var err error
	switch {
	case len(args) == 1:
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	case len(args) > 1:
		log.Fatal("Too many command-line arguments.")
	}
	defer source.Close()

	records, err := readRecords(source)
	rtx.Must(err, "Could not read archive records")
	rtx.Must(gocsv.Marshal(toRows(records), os.Stdout), "Could not convert archive to CSV")
}
