// Package archive persists each terminal's closed deals to Parquet day
// files, so trade history survives cache expiry and restarts.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"mtfleet/internal/domain"
)

// Archive writes closed-deal history under
// <dataDir>/history/terminal_<id>/<YYYY-MM-DD>.parquet.
type Archive struct {
	dataDir string
}

// New creates an Archive rooted at dataDir.
func New(dataDir string) *Archive {
	return &Archive{dataDir: dataDir}
}

// dealRecord is the Parquet schema for one closed deal.
type dealRecord struct {
	Ticket     int64   `parquet:"ticket"`
	Symbol     string  `parquet:"symbol"`
	Direction  string  `parquet:"direction"`
	Volume     float64 `parquet:"volume"`
	EntryPrice float64 `parquet:"entry_price"`
	ClosePrice float64 `parquet:"close_price"`
	Profit     float64 `parquet:"profit"`
	Commission float64 `parquet:"commission"`
	Swap       float64 `parquet:"swap"`
	OpenTime   int64   `parquet:"open_time,timestamp(millisecond)"`  // Unix ms
	CloseTime  int64   `parquet:"close_time,timestamp(millisecond)"` // Unix ms
}

// dayPath returns the file for one terminal's deals on one date.
func (a *Archive) dayPath(terminalID int, date string) string {
	return filepath.Join(a.dataDir, "history",
		fmt.Sprintf("terminal_%d", terminalID), date+".parquet")
}

// WriteDay merges the given closed deals into the terminal's day file for
// date (YYYY-MM-DD), deduplicating by ticket with new records winning.
// Called every poll cycle with the full day list, so rewrites are
// idempotent.
func (a *Archive) WriteDay(terminalID int, date string, deals []domain.Trade) error {
	if len(deals) == 0 {
		return nil
	}
	path := a.dayPath(terminalID, date)

	existing, _ := readParquetFile[dealRecord](path)
	merged := mergeDealRecords(existing, toRecords(deals))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return fmt.Errorf("writing deal archive for terminal %d on %s: %w", terminalID, date, err)
	}
	return nil
}

// ReadDay returns the archived deals for one terminal and date, sorted by
// close time. A missing day file yields an empty result.
func (a *Archive) ReadDay(terminalID int, date string) ([]domain.Trade, error) {
	records, err := readParquetFile[dealRecord](a.dayPath(terminalID, date))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(records))
	for _, r := range records {
		trades = append(trades, domain.Trade{
			Ticket:     r.Ticket,
			Symbol:     r.Symbol,
			Direction:  domain.TradeDirection(r.Direction),
			Volume:     r.Volume,
			EntryPrice: r.EntryPrice,
			ClosePrice: r.ClosePrice,
			Profit:     r.Profit,
			Commission: r.Commission,
			Swap:       r.Swap,
			OpenTime:   time.UnixMilli(r.OpenTime),
			CloseTime:  time.UnixMilli(r.CloseTime),
		})
	}
	return trades, nil
}

// ListDays returns the archived dates for a terminal, oldest first.
func (a *Archive) ListDays(terminalID int) ([]string, error) {
	dir := filepath.Join(a.dataDir, "history", fmt.Sprintf("terminal_%d", terminalID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var days []string
	for _, e := range entries {
		if name := e.Name(); filepath.Ext(name) == ".parquet" {
			days = append(days, name[:len(name)-len(".parquet")])
		}
	}
	sort.Strings(days)
	return days, nil
}

func toRecords(deals []domain.Trade) []dealRecord {
	records := make([]dealRecord, 0, len(deals))
	for _, d := range deals {
		records = append(records, dealRecord{
			Ticket:     d.Ticket,
			Symbol:     d.Symbol,
			Direction:  string(d.Direction),
			Volume:     d.Volume,
			EntryPrice: d.EntryPrice,
			ClosePrice: d.ClosePrice,
			Profit:     d.Profit,
			Commission: d.Commission,
			Swap:       d.Swap,
			OpenTime:   d.OpenTime.UnixMilli(),
			CloseTime:  d.CloseTime.UnixMilli(),
		})
	}
	return records
}

// mergeDealRecords deduplicates by ticket, preferring incoming records.
// Results are sorted by close time, then ticket.
func mergeDealRecords(existing, incoming []dealRecord) []dealRecord {
	seen := make(map[int64]dealRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.Ticket] = r
	}
	for _, r := range incoming {
		seen[r.Ticket] = r
	}

	merged := make([]dealRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CloseTime != merged[j].CloseTime {
			return merged[i].CloseTime < merged[j].CloseTime
		}
		return merged[i].Ticket < merged[j].Ticket
	})
	return merged
}

func readParquetFile[T any](path string) ([]T, error) {
	return parquet.ReadFile[T](path)
}
