package state

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SegmentSink receives the path of a finished CSV segment after rotation.
// Upload failures must not propagate back into the writer.
type SegmentSink interface {
	ArchiveSegment(ctx context.Context, path string) error
}

type CSVTelemetryConfig struct {
	Path string
	// MaxRowsPerSegment rotates the file after this many rows. Zero disables
	// rotation.
	MaxRowsPerSegment int
	Sink              SegmentSink
}

// CSVTelemetryStore appends one row per record to a delimited file. The
// header is written only when the file is empty so restarts keep appending
// to the same segment.
type CSVTelemetryStore struct {
	cfg  CSVTelemetryConfig
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	rows int
}

func NewCSVTelemetryStore(cfg CSVTelemetryConfig) *CSVTelemetryStore {
	return &CSVTelemetryStore{cfg: cfg}
}

func (s *CSVTelemetryStore) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *CSVTelemetryStore) openLocked() error {
	if dir := filepath.Dir(s.cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(s.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.w = csv.NewWriter(f)
	s.rows = 0
	if info.Size() == 0 {
		if err := s.w.Write(TelemetryColumns); err != nil {
			return err
		}
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			return err
		}
	} else if s.cfg.MaxRowsPerSegment > 0 {
		// an appended-to segment keeps counting from its existing rows so the
		// rotation threshold holds across restarts
		rows, err := countDataRows(s.cfg.Path)
		if err != nil {
			_ = f.Close()
			s.file = nil
			s.w = nil
			return err
		}
		s.rows = rows
	}
	return nil
}

// countDataRows returns the number of record lines in an existing segment,
// excluding the header.
func countDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	lines := 0
	r := bufio.NewReader(f)
	for {
		_, err := r.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		lines++
	}
	if lines > 0 {
		lines--
	}
	return lines, nil
}

func (s *CSVTelemetryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	s.w = nil
	return err
}

func (s *CSVTelemetryStore) Insert(ctx context.Context, rec TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("csv telemetry store: not connected")
	}
	if err := s.w.Write(rec.Row()); err != nil {
		return err
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return err
	}
	s.rows++
	if s.cfg.MaxRowsPerSegment > 0 && s.rows >= s.cfg.MaxRowsPerSegment {
		return s.rotateLocked(ctx)
	}
	return nil
}

func (s *CSVTelemetryStore) rotateLocked(ctx context.Context) error {
	if err := s.file.Close(); err != nil {
		return err
	}
	segment := fmt.Sprintf("%s.%s", s.cfg.Path, time.Now().UTC().Format("20060102T150405.000"))
	if err := os.Rename(s.cfg.Path, segment); err != nil {
		return err
	}
	if s.cfg.Sink != nil {
		// archival is loss-tolerant; a failed upload leaves the segment on disk
		go func() { _ = s.cfg.Sink.ArchiveSegment(context.WithoutCancel(ctx), segment) }()
	}
	return s.openLocked()
}
