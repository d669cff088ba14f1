package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestRecordDatasetAppendsJSONLWhenPathConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	loop := &Loop{datasetPath: path}

	loop.recordDataset(persistOutcome{
		SessionID: "sess-1",
		TaskGoal:  "summarize the report",
		Summary:   "done",
		Outcome:   "success",
		ToolsUsed: []string{"file_read"},
	})
	loop.recordDataset(persistOutcome{
		SessionID: "sess-1",
		TaskGoal:  "second task",
		Summary:   "done too",
		Outcome:   "success",
	})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := splitNonEmptyLines(string(raw))
	if len(lines) != 2 {
		t.Fatalf("expected 2 dataset lines, got %d: %q", len(lines), raw)
	}

	var rec datasetRecord
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if rec.Prompt != "summarize the report" || rec.Response != "done" || rec.Outcome != "success" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if len(rec.Tools) != 1 || rec.Tools[0] != "file_read" {
		t.Errorf("expected tools carried through, got %+v", rec.Tools)
	}
}

func TestRecordDatasetNoopWhenPathUnset(t *testing.T) {
	loop := &Loop{}
	loop.recordDataset(persistOutcome{SessionID: "sess-1", Outcome: "success"})
}

func splitNonEmptyLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if line := s[start:i]; line != "" {
				out = append(out, line)
			}
			start = i + 1
		}
	}
	if line := s[start:]; line != "" {
		out = append(out, line)
	}
	return out
}
