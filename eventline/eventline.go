// Package eventline implements the line inspection steps of the ingest
// controller in section 4.7 of the design specification: it parses just enough of
// each NDJSON line to drive rotation and checkpoint decisions, without
// requiring a full schema for the coding-agent's session format.
//
// Grounded on itemimage.JSONDecoder's raw-map-of-json.RawMessage
// decode shape, adapted from DynamoDB attribute images to the three
// fields the ingest controller actually needs: ts, type, and (for
// type=="compacted") detail.git/detail.label.
package eventline

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// ErrParse is wrapped into the error returned for a line that is not
// valid JSON, or for a compacted line whose "detail" cannot be
// decoded. A missing "ts" is not an error. Per spec.md
// section 7, a parse error is non-fatal: the line is still appended
// to the segment verbatim, but it cannot drive rotation/checkpoint
// timestamp logic.
var ErrParse = fmt.Errorf("eventline: parse error")

// CompactedType is the NDJSON "type" value that marks a compaction
// checkpoint boundary, per spec.md section 3.
const CompactedType = "compacted"

// Detail carries the optional compaction metadata attached to a
// type=="compacted" line.
type Detail struct {
	Git   string `json:"git,omitempty"`
	Label string `json:"label,omitempty"`
}

// Line is the subset of an NDJSON record the ingest controller needs.
type Line struct {
	TS        float64
	HasTS     bool
	Type      string
	Detail    Detail
	Compacted bool
}

type wireLine struct {
	TS     *float64        `json:"ts"`
	Type   string          `json:"type"`
	Detail json.RawMessage `json:"detail"`
}

// Parse decodes raw into a Line. "ts", "type" and "detail" are all
// optional; HasTS reports whether a numeric "ts" key was actually
// present, since a line with no "ts" must not be treated as ts==0.
// "detail" is only decoded when type=="compacted"; any other line's
// detail payload is opaque to this package.
func Parse(raw []byte) (Line, error) {
	var w wireLine
	if err := json.Unmarshal(raw, &w); err != nil {
		return Line{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	line := Line{Type: w.Type}
	if w.TS != nil {
		line.TS = *w.TS
		line.HasTS = true
	}
	if w.Type != CompactedType {
		return line, nil
	}
	line.Compacted = true

	if len(w.Detail) == 0 {
		return line, nil
	}
	var d Detail
	if err := json.Unmarshal(w.Detail, &d); err != nil {
		return line, fmt.Errorf("%w: decoding detail: %v", ErrParse, err)
	}
	line.Detail = d
	return line, nil
}
