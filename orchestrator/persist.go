package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	parquetbuffer "github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Report is where a finished session was written.
type Report struct {
	Dir          string
	SummaryPath  string
	TimelinePath string
}

func mkSessionDir(outputsRoot string, s Summary) (string, error) {
	name := "session_" + s.EndedAt.Format("20060102-150405")
	if id := s.SessionID; len(id) >= 8 {
		name += "_" + id[:8]
	}
	dir := filepath.Join(outputsRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func marshalTimeline(rows []timelineRow) ([]byte, error) {
	fw := parquetbuffer.NewBufferFile()
	pw, err := writer.NewParquetWriter(fw, new(timelineRow), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			_ = pw.WriteStop()
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return append([]byte(nil), fw.Bytes()...), nil
}

// persist writes summary.json and, when timeline is set, timeline.parquet
// into a fresh directory under outputsRoot.
func persist(outputsRoot string, s Summary, rows []timelineRow, timeline bool) (Report, error) {
	dir, err := mkSessionDir(outputsRoot, s)
	if err != nil {
		return Report{}, fmt.Errorf("create session dir: %w", err)
	}
	rep := Report{Dir: dir, SummaryPath: filepath.Join(dir, "summary.json")}
	if err := writeJSON(rep.SummaryPath, s); err != nil {
		return Report{}, fmt.Errorf("write summary: %w", err)
	}
	if !timeline {
		return rep, nil
	}

	b, err := marshalTimeline(rows)
	if err != nil {
		return Report{}, fmt.Errorf("encode timeline: %w", err)
	}
	rep.TimelinePath = filepath.Join(dir, "timeline.parquet")
	if err := os.WriteFile(rep.TimelinePath, b, 0o644); err != nil {
		return Report{}, fmt.Errorf("write timeline: %w", err)
	}
	return rep, nil
}
