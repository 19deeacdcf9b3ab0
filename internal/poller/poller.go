// Package poller implements the seven directory-enumeration variants of
// spec §4.2. All variants share a name, a watched path, and a stability
// Verifier; they differ only in how they walk their path and which
// candidates they hand to the Verifier. This is the tagged-variant
// replacement DESIGN NOTES calls for in place of the reference's class
// hierarchy: one capability, Enumerate(), seven constructors.
package poller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vubiquity/dispatchd/internal/localfs"
	"github.com/vubiquity/dispatchd/internal/logging"
	"github.com/vubiquity/dispatchd/internal/model"
	"github.com/vubiquity/dispatchd/internal/stability"
)

// Poller enumerates candidates under one watched root and routes each
// through a Verifier. Implementations never mutate the queue directly and
// never recurse below their documented depth (spec §4.2 invariants).
type Poller interface {
	// Name is the source name this poller serves.
	Name() string
	// Enumerate performs one pass over the watched root, launching a
	// Verifier check for each candidate found ready. Enumerate must not
	// block on any individual check.
	Enumerate()
}

// base holds the fields every variant shares.
type base struct {
	name     string
	path     string
	verifier *stability.Verifier
	log      *logging.Logger
}

func (b *base) Name() string { return b.name }

// New constructs the Poller variant named by t, failing fast on an unknown
// tag (spec §4.3 "fails-fast (unknown poller_type)"). Checked once at
// source-load time, not at poll time, per DESIGN NOTES "Dynamic type lookup".
func New(source model.Source, verifier *stability.Verifier, log *logging.Logger) (Poller, error) {
	b := base{name: source.Name, path: source.Path, verifier: verifier, log: log}
	switch source.PollerType {
	case model.PollerFile:
		return &filePoller{b}, nil
	case model.PollerDir:
		return &dirPoller{b}, nil
	case model.PollerSubDir:
		return &subDirPoller{b}, nil
	case model.PollerTelus:
		return &telusPoller{b}, nil
	case model.PollerPA:
		return &paPoller{b}, nil
	case model.PollerDirTar:
		return &dirTarPoller{b}, nil
	case model.PollerGoogle:
		return &googlePoller{b}, nil
	default:
		return nil, fmt.Errorf("unknown poller_type %q for source %q", source.PollerType, source.Name)
	}
}

// listChildren lists the direct, non-hidden children of dir, logging and
// returning nil on error rather than failing the whole enumeration pass —
// one unreadable directory must not stop the sweep of other sources.
func (b *base) listChildren(dir string) []localfs.FileEntry {
	entries, err := localfs.ListDirectory(dir, localfs.ListOptions{IncludeHidden: false})
	if err != nil {
		b.log.Warn().Err(err).Str("source", b.name).Str("path", dir).Msg("poller: cannot list directory")
		return nil
	}
	return entries
}

// hasBoth reports whether dir directly contains both required marker
// filenames.
func hasBoth(entries []localfs.FileEntry, a, b string) bool {
	var seenA, seenB bool
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		switch e.Name {
		case a:
			seenA = true
		case b:
			seenB = true
		}
	}
	return seenA && seenB
}

func hasSuffix(name, suffix string) bool {
	return strings.HasSuffix(name, suffix)
}

// filePoller — direct children, regular files, name not starting with '.'.
type filePoller struct{ base }

func (p *filePoller) Enumerate() {
	for _, e := range p.listChildren(p.path) {
		if e.IsDir {
			continue
		}
		go p.verifier.Check(p.name, e.Path)
	}
}

// dirPoller — direct children that are directories containing both
// ADI.DTD and ADI.XML.
type dirPoller struct{ base }

func (p *dirPoller) Enumerate() {
	for _, e := range p.listChildren(p.path) {
		if !e.IsDir {
			continue
		}
		if hasBoth(p.listChildren(e.Path), "ADI.DTD", "ADI.XML") {
			go p.verifier.Check(p.name, e.Path)
		}
	}
}

// subDirPoller — two levels: top -> sub -> files. Any regular file found
// is submitted individually.
type subDirPoller struct{ base }

func (p *subDirPoller) Enumerate() {
	for _, top := range p.listChildren(p.path) {
		if !top.IsDir {
			continue
		}
		for _, sub := range p.listChildren(top.Path) {
			if !sub.IsDir {
				continue
			}
			for _, f := range p.listChildren(sub.Path) {
				if f.IsDir {
					continue
				}
				go p.verifier.Check(p.name, f.Path)
			}
		}
	}
}

// telusPoller — three levels: provider -> sd/hd -> files. Any regular file
// found is submitted individually.
type telusPoller struct{ base }

func (p *telusPoller) Enumerate() {
	for _, provider := range p.listChildren(p.path) {
		if !provider.IsDir {
			continue
		}
		for _, quality := range p.listChildren(provider.Path) {
			if !quality.IsDir {
				continue
			}
			for _, f := range p.listChildren(quality.Path) {
				if f.IsDir {
					continue
				}
				go p.verifier.Check(p.name, f.Path)
			}
		}
	}
}

// paPoller — two levels: provider -> asset. An asset is submitted as a
// unit once it contains both ADI.DTD and ADI.XML.
type paPoller struct{ base }

func (p *paPoller) Enumerate() {
	for _, provider := range p.listChildren(p.path) {
		if !provider.IsDir {
			continue
		}
		for _, asset := range p.listChildren(provider.Path) {
			if !asset.IsDir {
				continue
			}
			if hasBoth(p.listChildren(asset.Path), "ADI.DTD", "ADI.XML") {
				go p.verifier.Check(p.name, asset.Path)
			}
		}
	}
}

// dirTarPoller — two levels: top -> children. A child that is a regular
// file with suffix ".tar" is submitted.
type dirTarPoller struct{ base }

func (p *dirTarPoller) Enumerate() {
	for _, top := range p.listChildren(p.path) {
		if !top.IsDir {
			continue
		}
		for _, f := range p.listChildren(top.Path) {
			if f.IsDir {
				continue
			}
			if hasSuffix(f.Name, ".tar") {
				go p.verifier.Check(p.name, f.Path)
			}
		}
	}
}

// googlePoller — two levels: top -> children. Each child directory is
// driven through the three-state marker-file machine of spec §4.2.
type googlePoller struct{ base }

const (
	markerDispatchDone     = "dispatch.done"
	markerDeliveryComplete = "delivery.complete"
)

func (p *googlePoller) Enumerate() {
	for _, top := range p.listChildren(p.path) {
		if !top.IsDir {
			continue
		}
		for _, child := range p.listChildren(top.Path) {
			if !child.IsDir {
				continue
			}
			p.drive(child.Path)
		}
	}
}

func (p *googlePoller) drive(dir string) {
	entries := p.listChildren(dir)
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir {
			names[e.Name] = true
		}
	}

	switch {
	case len(names) == 1 && names[markerDispatchDone]:
		if err := os.RemoveAll(dir); err != nil {
			p.log.Error().Err(err).Str("path", dir).Msg("poller: failed to remove completed google directory")
		}
	case len(names) == 1 && names[markerDeliveryComplete]:
		go func() {
			p.verifier.Check(p.name, filepath.Join(dir, markerDeliveryComplete))
			if err := touch(filepath.Join(dir, markerDispatchDone)); err != nil {
				p.log.Error().Err(err).Str("path", dir).Msg("poller: failed to create dispatch.done")
			}
		}()
	case names["ADI.DTD"] && names["ADI.XML"] && !names[markerDeliveryComplete]:
		go func() {
			var wg sync.WaitGroup
			for name := range names {
				wg.Add(1)
				go func(name string) {
					defer wg.Done()
					p.verifier.Check(p.name, filepath.Join(dir, name))
				}(name)
			}
			wg.Wait()
			if err := touch(filepath.Join(dir, markerDeliveryComplete)); err != nil {
				p.log.Error().Err(err).Str("path", dir).Msg("poller: failed to create delivery.complete")
			}
		}()
	}
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}
