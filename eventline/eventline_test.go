package eventline

import "testing"

func TestParseOrdinaryLineWithTimestamp(t *testing.T) {
	line, err := Parse([]byte(`{"ts":1,"type":"msg","text":"a"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !line.HasTS || line.TS != 1 {
		t.Fatalf("line = %+v, want HasTS=true, TS=1", line)
	}
	if line.Compacted {
		t.Fatalf("line.Compacted = true for type=msg")
	}
}

func TestParseLineWithoutTS(t *testing.T) {
	line, err := Parse([]byte(`{"type":"msg"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if line.HasTS {
		t.Fatalf("HasTS = true, want false for missing ts key")
	}
}

func TestParseCompactedLineWithDetail(t *testing.T) {
	line, err := Parse([]byte(`{"ts":11,"type":"compacted","detail":{"git":"9f3c1ab"}}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !line.Compacted {
		t.Fatalf("Compacted = false, want true")
	}
	if line.Detail.Git != "9f3c1ab" {
		t.Fatalf("Detail.Git = %q, want 9f3c1ab", line.Detail.Git)
	}
}

func TestParseCompactedLineWithoutDetail(t *testing.T) {
	line, err := Parse([]byte(`{"ts":11,"type":"compacted"}`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !line.Compacted {
		t.Fatalf("Compacted = false, want true")
	}
	if line.Detail.Git != "" || line.Detail.Label != "" {
		t.Fatalf("Detail = %+v, want zero value", line.Detail)
	}
}

func TestParseMalformedLineReturnsErrParse(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	if err == nil {
		t.Fatalf("expected error for malformed line")
	}
}

func TestParseCompactedLineWithMalformedDetailStillReportsCompacted(t *testing.T) {
	line, err := Parse([]byte(`{"ts":11,"type":"compacted","detail":"not an object"}`))
	if err == nil {
		t.Fatalf("expected an error decoding a malformed detail payload")
	}
	if !line.Compacted {
		t.Fatalf("Compacted = false, want true even when detail fails to decode")
	}
	if !line.HasTS || line.TS != 11 {
		t.Fatalf("line = %+v, want HasTS=true, TS=11 preserved alongside the detail error", line)
	}
}
