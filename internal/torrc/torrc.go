// Package torrc edits the managed hidden-service blocks inside the shared
// tor configuration file. The file is externally owned: tor and the
// operator both write to it, so every line outside a managed block must
// survive an edit byte-for-byte, and every destructive edit is preceded by
// a timestamped backup.
package torrc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// markerPrefix starts the comment line that opens a managed block.
const markerPrefix = "# onionctl:service "

var (
	markerRe = regexp.MustCompile(`^# onionctl:service (\S+)\s*$`)

	// Directive shapes that belong to a managed block's body. Blocks carry
	// no end marker; the block ends at the first line that is neither one
	// of these nor blank.
	hiddenServiceDirRe  = regexp.MustCompile(`^\s*HiddenServiceDir\s+(\S+)\s*$`)
	hiddenServicePortRe = regexp.MustCompile(`^\s*HiddenServicePort\s+(\d+)\s+(\S+)\s*$`)
	hiddenServiceBodyRe = regexp.MustCompile(`^\s*HiddenService\w*\s+`)
)

// SegmentKind tags a parsed torrc segment.
type SegmentKind int

const (
	// SegmentOther is a run of lines this tool does not manage.
	SegmentOther SegmentKind = iota
	// SegmentBlock is one managed hidden-service block.
	SegmentBlock
)

// Segment is a contiguous piece of the torrc: either a managed block or an
// opaque run of other lines, preserved verbatim.
type Segment struct {
	Kind  SegmentKind
	Name  string // service name, only for SegmentBlock
	Lines []string
}

// Document is a torrc parsed into segments. Render reproduces the input
// exactly when no segment was touched.
type Document struct {
	Segments []Segment

	trailingNewline bool
}

// Parse splits the torrc text into managed blocks and opaque runs.
//
// The block state machine: a marker comment opens a block; directive lines
// of the known hidden-service shapes and blank lines extend it; any other
// line (another comment, an unrelated directive) closes it and is kept
// outside the block. Blocks are not closed by an explicit end marker, only
// by the shape of what follows.
func Parse(text string) *Document {
	doc := &Document{trailingNewline: strings.HasSuffix(text, "\n")}

	lines := strings.Split(text, "\n")
	if doc.trailingNewline {
		lines = lines[:len(lines)-1]
	}
	if text == "" {
		lines = nil
	}

	var other []string
	flushOther := func() {
		if len(other) > 0 {
			doc.Segments = append(doc.Segments, Segment{Kind: SegmentOther, Lines: other})
			other = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		m := markerRe.FindStringSubmatch(lines[i])
		if m == nil {
			other = append(other, lines[i])
			continue
		}

		flushOther()
		block := Segment{Kind: SegmentBlock, Name: m[1], Lines: []string{lines[i]}}
		for i+1 < len(lines) {
			next := lines[i+1]
			if strings.TrimSpace(next) != "" && !hiddenServiceBodyRe.MatchString(next) {
				break
			}
			block.Lines = append(block.Lines, next)
			i++
		}
		doc.Segments = append(doc.Segments, block)
	}
	flushOther()

	return doc
}

// Render reassembles the document into torrc text.
func (d *Document) Render() string {
	var all []string
	for _, seg := range d.Segments {
		all = append(all, seg.Lines...)
	}
	text := strings.Join(all, "\n")
	if d.trailingNewline && text != "" {
		text += "\n"
	}
	return text
}

// HasService reports whether a managed block for name exists.
func (d *Document) HasService(name string) bool {
	for _, seg := range d.Segments {
		if seg.Kind == SegmentBlock && seg.Name == name {
			return true
		}
	}
	return false
}

// AppendService adds a managed block for the service at the end of the
// document, separated from preceding content by a blank line.
func (d *Document) AppendService(name, dir string, publicPort, localPort int) {
	block := Segment{
		Kind: SegmentBlock,
		Name: name,
		Lines: []string{
			markerPrefix + name,
			"HiddenServiceDir " + dir,
			fmt.Sprintf("HiddenServicePort %d 127.0.0.1:%d", publicPort, localPort),
		},
	}
	if len(d.Segments) > 0 {
		block.Lines = append([]string{""}, block.Lines...)
	}
	d.Segments = append(d.Segments, block)
	d.trailingNewline = true
}

// RemoveService deletes the managed block for name. Returns false and
// leaves the document untouched when no such block exists.
func (d *Document) RemoveService(name string) bool {
	for i, seg := range d.Segments {
		if seg.Kind == SegmentBlock && seg.Name == name {
			d.Segments = append(d.Segments[:i], d.Segments[i+1:]...)
			return true
		}
	}
	return false
}

// ExternalService is a hidden service configured in the torrc outside any
// managed block, discovered so it can be tracked as an unmanaged record.
type ExternalService struct {
	Dir        string
	PublicPort int
	Target     string
}

// LocalPort extracts the local TCP port from the service's target
// ("127.0.0.1:8080" or a bare port). Returns 0 when the target is not a
// TCP port mapping.
func (s ExternalService) LocalPort() int {
	target := s.Target
	if idx := strings.LastIndex(target, ":"); idx >= 0 {
		target = target[idx+1:]
	}
	port, err := strconv.Atoi(target)
	if err != nil {
		return 0
	}
	return port
}

// ExternalServices lists hidden services declared outside managed blocks,
// pairing each HiddenServiceDir with the HiddenServicePort that follows it.
func (d *Document) ExternalServices() []ExternalService {
	var services []ExternalService
	for _, seg := range d.Segments {
		if seg.Kind != SegmentOther {
			continue
		}
		for _, line := range seg.Lines {
			if m := hiddenServiceDirRe.FindStringSubmatch(line); m != nil {
				services = append(services, ExternalService{Dir: m[1]})
				continue
			}
			if m := hiddenServicePortRe.FindStringSubmatch(line); m != nil && len(services) > 0 {
				last := &services[len(services)-1]
				if last.PublicPort == 0 {
					last.PublicPort, _ = strconv.Atoi(m[1])
					last.Target = m[2]
				}
			}
		}
	}
	return services
}
