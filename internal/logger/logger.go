// Package logger records button events to timestamped CSV files for the
// scoring pipeline. It is a plain subscriber of the hardware link and
// carries no link state of its own.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jamesdanedu/musicCog-sub000/internal/link"
)

// Logger writes one CSV row per button event, rotating files so a long
// session never grows a single file unbounded.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int

	unsubscribe []func()
}

// Config holds logger configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const maxRowsPerFile = 100_000

var csvHeader = []string{
	"timestamp", "button", "kind",
	"raw_ms", "compensated_ms", "device_ms", "session_ms",
	"hold_ms", "device_hold_ms", "anomaly",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/musiccog"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// Attach subscribes the logger to the link's press/release events.
func (l *Logger) Attach(hw *link.Link) {
	ev := hw.Events()
	l.unsubscribe = append(l.unsubscribe,
		ev.OnButtonPress(l.Record),
		ev.OnButtonRelease(l.Record),
	)
}

// Detach removes the logger's subscriptions.
func (l *Logger) Detach() {
	for _, u := range l.unsubscribe {
		u()
	}
	l.unsubscribe = nil
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// Record writes one button event row. Anomalous releases (no matching
// press on record) are written too, flagged in the anomaly column, so
// the scoring pipeline can decide what to do with them.
func (l *Logger) Record(ev link.ButtonEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(time.Now()); err != nil {
			log.Printf("[eventlog] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		time.Now().Format(time.RFC3339Nano),
		strconv.Itoa(ev.Button),
		ev.Kind,
		strconv.FormatInt(ev.RawTimestamp, 10),
		strconv.FormatFloat(ev.Compensated, 'f', 3, 64),
		strconv.FormatInt(ev.DeviceTime, 10),
		strconv.FormatInt(ev.SessionRelative, 10),
		strconv.FormatInt(ev.HoldDuration, 10),
		strconv.FormatInt(ev.DeviceHold, 10),
		boolStr(ev.Anomaly),
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[eventlog] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("responses_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[eventlog] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
