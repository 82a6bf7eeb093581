// Package data provides the DataLoader collaborator (spec.md §6): a
// source of historical bars grouped into day sequences for the backtest
// coordinator to iterate. The teacher's own internal/data/market_data.go
// is a WebSocket-fed live market-data service backed by Postgres — a
// database-backed historical loader is explicitly out of core scope per
// spec.md §1, so this package instead provides a CSV-backed
// implementation: the concrete, dependency-free collaborator needed to
// exercise the coordinator and the CLI end-to-end. The Loader interface
// and BarQuery/DayBars shapes are new (spec.md §6's contract, not a
// teacher file), since the teacher never separates "query shape" from
// "live subscription" the way a backtest loader must.
package data

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/atlas-desktop/barcore/internal/coreerr"
	"github.com/atlas-desktop/barcore/pkg/types"
	"github.com/atlas-desktop/barcore/pkg/utils"
	"github.com/shopspring/decimal"
)

// openRetryConfig governs retries against transient filesystem errors (a
// data directory on a network mount flaking mid-run) when opening a
// symbol's CSV file.
var openRetryConfig = utils.RetryConfig{MaxAttempts: 3, InitialDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Multiplier: 2.0}

// BarQuery selects the slice of history the coordinator needs for one
// backtest run.
type BarQuery struct {
	Symbols    []string
	AssetClass string
	Frequency  string
	Start      time.Time
	End        time.Time
}

// DayBars is one timestamp's worth of bars across every symbol, the
// coordinator's unit of iteration.
type DayBars struct {
	Timestamp time.Time
	Bars      []types.Bar
}

// Loader is the DataLoader contract from spec.md §6.
type Loader interface {
	LoadMarketData(ctx context.Context, query BarQuery) ([]types.Bar, error)
	GroupBarsByTimestamp(bars []types.Bar) []DayBars
}

// CSVLoader reads bars from a directory of per-symbol CSV files named
// "<SYMBOL>.csv" with header "timestamp,open,high,low,close,volume" and
// RFC3339 timestamps.
type CSVLoader struct {
	Dir string
}

// NewCSVLoader returns a loader rooted at dir.
func NewCSVLoader(dir string) *CSVLoader { return &CSVLoader{Dir: dir} }

// LoadMarketData reads every requested symbol's CSV file, filters to
// [query.Start, query.End], validates each bar (spec.md's Bar
// invariants), and returns them unsorted across symbols (the caller
// groups by timestamp).
func (l *CSVLoader) LoadMarketData(ctx context.Context, query BarQuery) ([]types.Bar, error) {
	var all []types.Bar
	for _, symbol := range query.Symbols {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		bars, err := l.loadSymbol(symbol, query.Start, query.End)
		if err != nil {
			return nil, err
		}
		all = append(all, bars...)
	}
	if len(all) == 0 {
		return nil, coreerr.New(coreerr.DataNotFound, "data.CSVLoader.LoadMarketData",
			"no bars found for symbols %v in [%s, %s]", query.Symbols, query.Start, query.End)
	}
	return all, nil
}

func (l *CSVLoader) loadSymbol(symbol string, start, end time.Time) ([]types.Bar, error) {
	path := fmt.Sprintf("%s/%s.csv", l.Dir, symbol)
	f, err := utils.Retry(openRetryConfig, func() (*os.File, error) {
		return os.Open(path)
	})
	if err != nil {
		return nil, coreerr.New(coreerr.DataNotFound, "data.CSVLoader.loadSymbol", "opening %q: %v", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, coreerr.New(coreerr.MarketDataError, "data.CSVLoader.loadSymbol", "reading header of %q: %v", path, err)
	}
	if len(header) < 6 {
		return nil, coreerr.New(coreerr.MarketDataError, "data.CSVLoader.loadSymbol", "%q: expected 6 columns, got %d", path, len(header))
	}

	var bars []types.Bar
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, coreerr.New(coreerr.MarketDataError, "data.CSVLoader.loadSymbol", "%q: %v", path, err)
		}
		bar, err := parseBarRecord(symbol, record)
		if err != nil {
			return nil, err
		}
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		if err := bar.Validate(); err != nil {
			return nil, coreerr.New(coreerr.MarketDataError, "data.CSVLoader.loadSymbol", "%q: %v", path, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseBarRecord(symbol string, record []string) (types.Bar, error) {
	ts, err := time.Parse(time.RFC3339, record[0])
	if err != nil {
		return types.Bar{}, coreerr.New(coreerr.MarketDataError, "data.parseBarRecord", "bad timestamp %q: %v", record[0], err)
	}
	open, err1 := decimal.NewFromString(record[1])
	high, err2 := decimal.NewFromString(record[2])
	low, err3 := decimal.NewFromString(record[3])
	close, err4 := decimal.NewFromString(record[4])
	volume, err5 := decimal.NewFromString(record[5])
	for _, e := range []error{err1, err2, err3, err4, err5} {
		if e != nil {
			return types.Bar{}, coreerr.New(coreerr.MarketDataError, "data.parseBarRecord", "bad numeric field: %v", e)
		}
	}
	return types.Bar{
		Symbol: symbol, Timestamp: ts,
		Open: open, High: high, Low: low, Close: close, Volume: volume,
	}, nil
}

// GroupBarsByTimestamp buckets bars by timestamp and returns the buckets
// sorted ascending, the coordinator's day sequence D0...DN-1. Invalid
// (non-monotonic) ordering across buckets is caught here rather than
// relying on the source file order, since spec.md §7 treats a
// non-monotonic day sequence as a fatal, abort-the-run condition.
func (l *CSVLoader) GroupBarsByTimestamp(bars []types.Bar) []DayBars {
	return GroupBarsByTimestamp(bars)
}

// GroupBarsByTimestamp is the package-level helper any Loader
// implementation can reuse; exported so a future non-CSV loader isn't
// forced to reimplement the grouping/sorting rule.
func GroupBarsByTimestamp(bars []types.Bar) []DayBars {
	byTs := make(map[int64]*DayBars)
	for _, b := range bars {
		key := b.Timestamp.UnixNano()
		day, ok := byTs[key]
		if !ok {
			day = &DayBars{Timestamp: b.Timestamp}
			byTs[key] = day
		}
		day.Bars = append(day.Bars, b)
	}
	out := make([]DayBars, 0, len(byTs))
	for _, day := range byTs {
		out = append(out, *day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
