// Package recorder archives tracker snapshots to disk as newline-delimited
// JSON, piped through an external zstd process. It mirrors the teacher's
// saver package's cadence: the caller hands it each snapshot through
// Record (the recorder starts no goroutine of its own), it writes only
// connections whose state changed meaningfully since the last write, and
// it rotates the output file on a fixed schedule.
// It is entirely optional: the tracker never imports this package, and
// cmd/flowwatch only starts it when an archive directory is configured.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/flowwatch/flowwatch/metrics"
	"github.com/flowwatch/flowwatch/tracker"
)

// RotateInterval is how long a single archive file accumulates records
// before the recorder closes it and opens the next, matching the teacher's
// 10-minute saver.Connection.Rotate cadence.
const RotateInterval = 10 * time.Minute

// zstdBinary is the external compressor invoked for every archive file;
// overridable so tests can point it at a stub.
var zstdBinary = "zstd"

// Record is one archived observation of a connection: its socket identity,
// the wall-clock time it was observed, and the tracker's Connection value
// at that instant.
type Record struct {
	SocketKey string             `json:"socket_key"`
	Timestamp time.Time          `json:"timestamp"`
	Sequence  int                `json:"sequence"`
	Snapshot  tracker.Connection `json:"connection"`
}

// lastWritten is the per-flow dedup state the recorder uses to decide
// whether a connection changed meaningfully enough to write again, mirroring
// saver's cache-diff role without pulling in the teacher's full cache.Cache
// (which diffs raw netlink attributes this domain doesn't have).
type lastWritten struct {
	state         tracker.ProtocolState
	bytesSent     uint64
	bytesReceived uint64
	processName   string
}

// Recorder archives a sequence of tracker snapshots to a directory of
// rotating newline-delimited JSON files compressed with zstd.
type Recorder struct {
	dir      string
	sequence int

	writer     io.WriteCloser
	encoder    *json.Encoder
	opened     time.Time
	lastByFlow map[string]lastWritten

	bootPrefix string
}

// New creates a Recorder that will write archive files under dir. Call
// Close when the consumer stops polling to flush and release the current
// file.
func New(dir string) *Recorder {
	return &Recorder{
		dir:        dir,
		lastByFlow: make(map[string]lastWritten),
	}
}

// Record archives every connection in snap that changed meaningfully since
// the last call, opening or rotating the output file as needed. Write
// failures are logged and swallowed: archival is best-effort and must
// never block or crash the tracking loop that feeds it.
func (r *Recorder) Record(snap tracker.Snapshot, now time.Time) {
	if err := r.ensureWriter(now); err != nil {
		log.Printf("recorder: could not open archive file: %v", err)
		return
	}

	for _, conn := range snap.Connections {
		key := conn.FlowKey()
		prev, seen := r.lastByFlow[key]
		curr := lastWritten{
			state:         conn.ProtocolState,
			bytesSent:     conn.BytesSent,
			bytesReceived: conn.BytesReceived,
			processName:   conn.ProcessName,
		}
		if seen && curr == prev {
			continue
		}
		r.lastByFlow[key] = curr

		rec := Record{
			SocketKey: r.archivalKey(conn),
			Timestamp: now,
			Sequence:  r.sequence,
			Snapshot:  conn,
		}
		if err := r.encoder.Encode(rec); err != nil {
			log.Printf("recorder: write failed: %v", err)
		}
	}

	if now.Sub(r.opened) >= RotateInterval {
		r.rotate(now)
	}
}

// archivalKey builds a stable key identifying the recording host's current
// boot plus the specific flow, so the same on-disk record can be recognized
// across a rotation even though the recorder never holds a live socket to
// read a real kernel SO_COOKIE from.
func (r *Recorder) archivalKey(c tracker.Connection) string {
	prefix := r.hostBootPrefix()
	if prefix == "" {
		return c.FlowKey()
	}
	return fmt.Sprintf("%s_%016x", prefix, flowSeed(c.FlowKey()))
}

// hostBootPrefix computes and caches a "hostname_bootepoch" prefix shared by
// every record this process writes. Unlike a per-connection identifier, this
// value never changes for the life of the process, so it is computed once.
func (r *Recorder) hostBootPrefix() string {
	if r.bootPrefix != "" {
		return r.bootPrefix
	}
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("recorder: could not read hostname: %v", err)
		return ""
	}
	uptime, err := readUptimeSeconds()
	if err != nil {
		log.Printf("recorder: could not read /proc/uptime: %v", err)
		return ""
	}
	boot := time.Now().Add(-time.Duration(uptime * float64(time.Second)))
	r.bootPrefix = fmt.Sprintf("%s_%d", hostname, boot.Unix())
	return r.bootPrefix
}

// readUptimeSeconds reads the first field of /proc/uptime. A single read is
// enough for an archival dedup key; unlike a cluster-wide socket identifier,
// nothing downstream depends on this being exact to sub-second precision.
func readUptimeSeconds() (float64, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("recorder: /proc/uptime had no fields")
	}
	return strconv.ParseFloat(fields[0], 64)
}

// flowSeed hashes a flow key into a numeric seed with FNV-1a, giving the
// archival key a fixed-width suffix regardless of how long the flow key is.
func flowSeed(key string) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, b := range []byte(key) {
		h ^= uint64(b)
		h *= 1099511628211 // FNV prime
	}
	return h
}

func (r *Recorder) ensureWriter(now time.Time) error {
	if r.writer != nil {
		return nil
	}
	return r.open(now)
}

func (r *Recorder) open(now time.Time) error {
	name := filepath.Join(r.dir, fmt.Sprintf("%s_%05d.jsonl.zst",
		now.Format("20060102T150405.000"), r.sequence))
	w, err := newArchiveWriter(name)
	if err != nil {
		return err
	}
	r.writer = w
	r.encoder = json.NewEncoder(w)
	r.opened = now
	r.sequence++
	metrics.RecordedFileCount.Inc()
	return nil
}

func (r *Recorder) rotate(now time.Time) {
	if r.writer != nil {
		if err := r.writer.Close(); err != nil {
			log.Printf("recorder: close failed during rotate: %v", err)
		}
		r.writer = nil
	}
	if err := r.open(now); err != nil {
		log.Printf("recorder: rotate failed to open next file: %v", err)
	}
}

// Close flushes and releases the current archive file, if any.
func (r *Recorder) Close() error {
	if r.writer == nil {
		return nil
	}
	err := r.writer.Close()
	r.writer = nil
	return err
}

// archiveWriter pipes everything written to it through an external zstd
// process, which compresses into filename. This is the only place in the
// tree that writes a compressed archive, so the piping logic lives here
// rather than behind a separate package.
type archiveWriter struct {
	pipe io.WriteCloser
	cmd  *exec.Cmd
	file *os.File
}

// newArchiveWriter starts a zstd subprocess reading from an in-process pipe
// and writing its compressed output directly to filename.
func newArchiveWriter(filename string) (io.WriteCloser, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	cmd := exec.Command(zstdBinary)
	cmd.Stdin = pr
	cmd.Stdout = f
	if err := cmd.Start(); err != nil {
		f.Close()
		pr.Close()
		pw.Close()
		return nil, err
	}
	return &archiveWriter{pipe: pw, cmd: cmd, file: f}, nil
}

func (w *archiveWriter) Write(p []byte) (int, error) {
	return w.pipe.Write(p)
}

// Close closes the write side of the pipe, which signals EOF to the zstd
// subprocess's stdin, then waits for it to finish flushing compressed
// output to disk before releasing the destination file.
func (w *archiveWriter) Close() error {
	if err := w.pipe.Close(); err != nil {
		w.file.Close()
		return err
	}
	waitErr := w.cmd.Wait()
	if closeErr := w.file.Close(); closeErr != nil && waitErr == nil {
		waitErr = closeErr
	}
	return waitErr
}
