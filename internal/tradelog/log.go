// Package tradelog appends paper and live trade events to CSV files.
//
// Files are opened in append mode so restarts extend the existing history;
// the header row is written only when the file is new or empty. Writers
// flush after every record — rows are the audit trail and must survive a
// crash.
package tradelog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"asterbot/pkg/types"
)

type csvFile struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

func openCSV(path string, header []string) (*csvFile, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat trade log: %w", err)
	}

	c := &csvFile{f: f, w: csv.NewWriter(f)}
	if stat.Size() == 0 {
		if err := c.append(header); err != nil {
			f.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *csvFile) append(record []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.Write(record); err != nil {
		return fmt.Errorf("write trade log: %w", err)
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return fmt.Errorf("flush trade log: %w", err)
	}
	return nil
}

func (c *csvFile) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Flush()
	return c.f.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Paper log
// ————————————————————————————————————————————————————————————————————————

var paperHeader = []string{
	"ts", "symbol", "side", "event", "entry", "exit", "tp", "sl",
	"pnl_pct", "net_pnl_usd", "reason", "hold_sec",
}

// PaperLog records paper OPEN and CLOSE events.
type PaperLog struct {
	csv *csvFile
}

// OpenPaperLog opens (or creates) the paper trade CSV.
func OpenPaperLog(path string) (*PaperLog, error) {
	c, err := openCSV(path, paperHeader)
	if err != nil {
		return nil, err
	}
	return &PaperLog{csv: c}, nil
}

// Append writes one paper event row.
func (l *PaperLog) Append(ev types.PaperEvent) error {
	return l.csv.append([]string{
		ev.Time.UTC().Format(time.RFC3339),
		ev.Symbol,
		string(ev.Side),
		ev.Event,
		f64(ev.Entry),
		f64(ev.Exit),
		f64(ev.TP),
		f64(ev.SL),
		f64(ev.PnlPct),
		f64(ev.NetPnlUSD),
		string(ev.Reason),
		strconv.FormatInt(ev.HoldSec, 10),
	})
}

// Close flushes and closes the file.
func (l *PaperLog) Close() error { return l.csv.close() }

// ————————————————————————————————————————————————————————————————————————
// Live log
// ————————————————————————————————————————————————————————————————————————

var liveHeader = []string{
	"ts", "symbol", "side", "entry", "exit", "qty", "leverage",
	"pnl_pct", "net_pnl_usd", "outcome", "reason",
	"order_id_entry", "order_id_exit",
}

// LiveLog records settled live trades, one row per round trip.
type LiveLog struct {
	csv *csvFile
}

// OpenLiveLog opens (or creates) the live trade CSV.
func OpenLiveLog(path string) (*LiveLog, error) {
	c, err := openCSV(path, liveHeader)
	if err != nil {
		return nil, err
	}
	return &LiveLog{csv: c}, nil
}

// Append writes one settled live trade row.
func (l *LiveLog) Append(ev types.LiveEvent) error {
	return l.csv.append([]string{
		ev.Time.UTC().Format(time.RFC3339),
		ev.Symbol,
		string(ev.Side),
		ev.Entry.String(),
		ev.Exit.String(),
		ev.Qty.String(),
		strconv.Itoa(ev.Leverage),
		f64(ev.PnlPct),
		f64(ev.NetPnlUSD),
		ev.Outcome,
		string(ev.Reason),
		strconv.FormatInt(ev.OrderIDEntry, 10),
		strconv.FormatInt(ev.OrderIDExit, 10),
	})
}

// Close flushes and closes the file.
func (l *LiveLog) Close() error { return l.csv.close() }

func f64(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
