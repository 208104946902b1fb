// Package report parses upgrade analysis reports into change records.
//
// A report is a sequence of section headers followed by category-specific
// lines:
//
//	---Models in module 'sale'---
//	new model sale.order.template [module]
//	---Fields in module 'sale'---
//	sale / sale.order / note (html): NEW
//	---XML records in module 'sale'---
//	NEW ir.ui.view: sale.view_order_form_inherit
//
// Lines outside the three recognized sections, or that match no grammar, are
// informational and skipped.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dejo1307/oupgrade/internal/changes"
)

// ErrFileNotFound is returned when the report path does not exist.
var ErrFileNotFound = errors.New("analysis report not found")

// FileSuffix is the file name suffix of analysis reports.
const FileSuffix = "upgrade_analysis.txt"

var (
	reSection = regexp.MustCompile(`^---(Models|Fields|XML records) in module '(.+?)'---`)
	reModel   = regexp.MustCompile(
		`^(obsolete|new) model\s+([\w\.]+)\s*(?:\((?P<paren>.+?)\))?\s*(?:\[(?P<tag>.+?)\])?$`)
	reField = regexp.MustCompile(
		`^(?P<module>\S+)\s*/\s*(?P<model>[\w\.]+)\s*/\s*(?P<field>[\w\.]+)\s*(?:\((?P<type>[\w\.]+)\))?\s*:\s*(?P<desc>.+)$`)
	reXML = regexp.MustCompile(
		`^(?P<type>NEW|DEL)\s+(?P<record_model>[\w\.]+):\s+(?P<xml_id>[\w\.]+)(?P<extra>.*)$`)
)

// state is the section the parser is currently in.
type state int

const (
	stateNone state = iota
	stateModels
	stateFields
	stateXMLRecords
)

func (s state) String() string {
	switch s {
	case stateModels:
		return "models"
	case stateFields:
		return "fields"
	case stateXMLRecords:
		return "xml_records"
	default:
		return "none"
	}
}

func stateFor(section string) state {
	switch section {
	case "Models":
		return stateModels
	case "Fields":
		return stateFields
	case "XML records":
		return stateXMLRecords
	}
	return stateNone
}

// lineHandler turns one non-blank, non-header line into a record, or reports
// that the line does not match.
type lineHandler func(p *Parser, line string) (changes.ChangeRecord, bool)

var handlers = map[state]lineHandler{
	stateModels:     (*Parser).parseModelLine,
	stateFields:     (*Parser).parseFieldLine,
	stateXMLRecords: (*Parser).parseXMLRecordLine,
}

// Parser holds the per-report state machine.
type Parser struct {
	version string
	state   state
	module  string
}

// NewParser creates a parser stamping records with the given version.
func NewParser(version string) *Parser {
	return &Parser{version: version}
}

// ParseFile parses the report at path. The record version is the name of the
// directory holding the report. Only a missing file is an error.
func ParseFile(path string) ([]changes.ChangeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	version := filepath.Base(filepath.Dir(path))
	return NewParser(version).Parse(f)
}

// maxLineBytes bounds a single report line. Longer lines are dropped.
const maxLineBytes = 4 * 1024 * 1024

// Parse reads report lines from r. Malformed and overlong lines are skipped;
// the returned error only reflects read failures.
func (p *Parser) Parse(r io.Reader) ([]changes.ChangeRecord, error) {
	p.state, p.module = stateNone, ""

	var result []changes.ChangeRecord
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, ok, err := readLine(br)
		if ok {
			if rec, matched := p.feed(line); matched {
				result = append(result, rec)
			}
		}
		if err == io.EOF {
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("reading report: %w", err)
		}
	}
}

// readLine returns the next line without its terminator. ok is false for a
// line longer than maxLineBytes, which is consumed but not returned.
func readLine(br *bufio.Reader) (string, bool, error) {
	var (
		buf      []byte
		overlong bool
	)
	for {
		frag, isPrefix, err := br.ReadLine()
		if !overlong {
			if len(buf)+len(frag) > maxLineBytes {
				overlong, buf = true, nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if err != nil {
			// A final line without a newline is still returned.
			return string(buf), !overlong && len(buf) > 0, err
		}
		if !isPrefix {
			return string(buf), !overlong, nil
		}
	}
}

// feed advances the state machine by one raw line.
func (p *Parser) feed(raw string) (changes.ChangeRecord, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return changes.ChangeRecord{}, false
	}
	if m := reSection.FindStringSubmatch(line); m != nil {
		p.state = stateFor(m[1])
		p.module = m[2]
		return changes.ChangeRecord{}, false
	}
	h, ok := handlers[p.state]
	if !ok {
		return changes.ChangeRecord{}, false
	}
	return h(p, line)
}

func (p *Parser) parseModelLine(line string) (changes.ChangeRecord, bool) {
	m := reModel.FindStringSubmatch(line)
	if m == nil {
		return changes.ChangeRecord{}, false
	}
	paren := m[reModel.SubexpIndex("paren")]
	tag := m[reModel.SubexpIndex("tag")]

	details := map[string]any{}
	if strings.Contains(paren, "renamed from") || strings.Contains(paren, "renamed to") {
		details[changes.DetailRenameInfo] = strings.TrimSpace(paren)
	}
	if tag != "" {
		details[changes.DetailTag] = tag
	}

	return changes.ChangeRecord{
		Version:    p.version,
		Module:     p.module,
		Category:   changes.CategoryModel,
		ChangeType: strings.ToUpper(m[1]),
		ModelName:  changes.Str(m[2]),
		RawLine:    line,
		Details:    details,
	}, true
}

func (p *Parser) parseFieldLine(line string) (changes.ChangeRecord, bool) {
	m := reField.FindStringSubmatch(line)
	if m == nil {
		return changes.ChangeRecord{}, false
	}
	group := func(name string) string { return m[reField.SubexpIndex(name)] }

	desc := strings.TrimSpace(group("desc"))
	changeType := changes.TypeModified
	switch {
	case strings.HasPrefix(desc, "NEW"):
		changeType = changes.TypeNew
	case strings.HasPrefix(desc, "DEL"):
		changeType = changes.TypeDel
	}

	details := map[string]any{}
	if t := group("type"); t != "" {
		details[changes.DetailFieldType] = t
	}

	return changes.ChangeRecord{
		Version:     p.version,
		Module:      group("module"),
		Category:    changes.CategoryField,
		ChangeType:  changeType,
		ModelName:   changes.Str(group("model")),
		FieldName:   changes.Str(group("field")),
		Description: changes.Str(desc),
		RawLine:     line,
		Details:     details,
	}, true
}

func (p *Parser) parseXMLRecordLine(line string) (changes.ChangeRecord, bool) {
	m := reXML.FindStringSubmatch(line)
	if m == nil {
		return changes.ChangeRecord{}, false
	}
	group := func(name string) string { return m[reXML.SubexpIndex(name)] }

	changeType := group("type")
	details := map[string]any{}
	if extra := group("extra"); strings.Contains(extra, "renamed") {
		changeType = changes.TypeRenamed
		details[changes.DetailRenameInfo] = strings.TrimSpace(extra)
	}

	return changes.ChangeRecord{
		Version:     p.version,
		Module:      p.module,
		Category:    changes.CategoryXMLRecord,
		ChangeType:  changeType,
		RecordModel: changes.Str(group("record_model")),
		XMLID:       changes.Str(group("xml_id")),
		RawLine:     line,
		Details:     details,
	}, true
}
