package model

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths derives the worker's directory layout beneath the home dir.
type Paths struct {
	Home string
}

func (p Paths) Inbox() string   { return filepath.Join(p.Home, "inbox") }
func (p Paths) Outbox() string  { return filepath.Join(p.Home, "outbox") }
func (p Paths) Logs() string    { return filepath.Join(p.Home, "logs") }
func (p Paths) Archive() string { return filepath.Join(p.Home, "archive") }
func (p Paths) Journal() string { return filepath.Join(p.Home, "foundry.db") }

// Ensure creates the whole layout. Safe to call repeatedly.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Home, p.Inbox(), p.Outbox(), p.Logs(), p.Archive()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// Artifacts holds every path one job may touch, whether or not the file
// ends up existing.
type Artifacts struct {
	Descriptor   string // inbox, materialized parameters for the script
	Mesh         string // outbox, generated geometry
	Package      string // outbox, print-ready package
	JobLog       string // outbox, per-job text log
	Confirmation string // outbox, optional generator verdict
}

// For names the artifact set of one job. The confirmation shares the
// descriptor's basename by protocol, they live in different directories.
func (p Paths) For(name, meshExt, packageExt string) Artifacts {
	return Artifacts{
		Descriptor:   filepath.Join(p.Inbox(), name+".json"),
		Mesh:         filepath.Join(p.Outbox(), name+"."+meshExt),
		Package:      filepath.Join(p.Outbox(), name+"."+packageExt),
		JobLog:       filepath.Join(p.Outbox(), name+".log"),
		Confirmation: filepath.Join(p.Outbox(), name+".json"),
	}
}

// All lists the artifact paths in archival order.
func (a Artifacts) All() []string {
	return []string{a.Descriptor, a.Mesh, a.Package, a.JobLog, a.Confirmation}
}
