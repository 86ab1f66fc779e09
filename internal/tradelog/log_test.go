package tradelog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"asterbot/pkg/types"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return rows
}

func TestPaperLogWritesHeaderAndRows(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "paper.csv")
	log, err := OpenPaperLog(path)
	if err != nil {
		t.Fatalf("OpenPaperLog: %v", err)
	}

	ev := types.PaperEvent{
		Time:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Symbol:    "BTCUSDT",
		Side:      types.Long,
		Event:     "CLOSE",
		Entry:     50000,
		Exit:      50300,
		TP:        50300,
		SL:        49900,
		PnlPct:    0.6,
		NetPnlUSD: 0.45,
		Reason:    types.ReasonTP,
		HoldSec:   42,
	}
	if err := log.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows := readAll(t, path)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0][0] != "ts" || rows[0][10] != "reason" || rows[0][11] != "hold_sec" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "BTCUSDT" || rows[1][3] != "CLOSE" || rows[1][10] != "TP" || rows[1][11] != "42" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestPaperLogAppendsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paper.csv")
	for i := 0; i < 2; i++ {
		log, err := OpenPaperLog(path)
		if err != nil {
			t.Fatalf("OpenPaperLog: %v", err)
		}
		if err := log.Append(types.PaperEvent{Time: time.Now(), Symbol: "ETHUSDT", Side: types.Short, Event: "OPEN"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		log.Close()
	}

	rows := readAll(t, path)
	// One header plus two rows; the header is not repeated on reopen.
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
}

func TestLiveLogRow(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "live.csv")
	log, err := OpenLiveLog(path)
	if err != nil {
		t.Fatalf("OpenLiveLog: %v", err)
	}

	ev := types.LiveEvent{
		Time:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Symbol:       "BTCUSDT",
		Side:         types.Short,
		Entry:        decimal.RequireFromString("50000"),
		Exit:         decimal.RequireFromString("49900"),
		Qty:          decimal.RequireFromString("0.002"),
		Leverage:     2,
		PnlPct:       0.2,
		NetPnlUSD:    0.2,
		Outcome:      "WIN",
		Reason:       types.ReasonTPExchange,
		OrderIDEntry: 1001,
		OrderIDExit:  1002,
	}
	if err := log.Append(ev); err != nil {
		t.Fatalf("Append: %v", err)
	}
	log.Close()

	rows := readAll(t, path)
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[1]
	if row[2] != "SHORT" || row[5] != "0.002" || row[9] != "WIN" || row[10] != "TP_EXCHANGE" {
		t.Errorf("row = %v", row)
	}
	if row[11] != "1001" || row[12] != "1002" {
		t.Errorf("order ids = %v", row[11:])
	}
}
