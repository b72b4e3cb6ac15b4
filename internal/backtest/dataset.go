package backtest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"market_maker/internal/domain"
	"market_maker/internal/event"

	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"
)

// eventRow is the parquet schema of a recorded event. One row holds any
// event type; unused columns stay empty. Levels are JSON text, decimals are
// strings so no precision is lost.
type eventRow struct {
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol     string `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Time       int64  `parquet:"name=time, type=INT64"`
	Seq        int64  `parquet:"name=seq, type=INT64"`
	First      int64  `parquet:"name=first, type=INT64"`
	Final      int64  `parquet:"name=final, type=INT64"`
	Bids       string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks       string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Qty        string `parquet:"name=qty, type=BYTE_ARRAY, convertedtype=UTF8"`
	BuyerMaker bool   `parquet:"name=buyer_maker, type=BOOLEAN"`
	Interval   int64  `parquet:"name=interval, type=INT64"`
	OpenTime   int64  `parquet:"name=open_time, type=INT64"`
	CloseTime  int64  `parquet:"name=close_time, type=INT64"`
	Open       string `parquet:"name=open, type=BYTE_ARRAY, convertedtype=UTF8"`
	High       string `parquet:"name=high, type=BYTE_ARRAY, convertedtype=UTF8"`
	Low        string `parquet:"name=low, type=BYTE_ARRAY, convertedtype=UTF8"`
	Close      string `parquet:"name=close, type=BYTE_ARRAY, convertedtype=UTF8"`
	Volume     string `parquet:"name=volume, type=BYTE_ARRAY, convertedtype=UTF8"`
	Closed     bool   `parquet:"name=closed, type=BOOLEAN"`
	Reason     string `parquet:"name=reason, type=BYTE_ARRAY, convertedtype=UTF8"`
}

const (
	rowSnapshot = "snapshot"
	rowDiff     = "diff"
	rowCandle   = "candle"
	rowTrade    = "trade"
	rowLost     = "lost"
	rowGap      = "gap"
)

func levelsText(levels []domain.Level) (string, error) {
	if len(levels) == 0 {
		return "", nil
	}
	b, err := json.Marshal(levels)
	return string(b), err
}

func parseLevels(s string) ([]domain.Level, error) {
	if s == "" {
		return nil, nil
	}
	var out []domain.Level
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toRow(ev event.Event) (eventRow, bool, error) {
	row := eventRow{Symbol: ev.GetSymbol(), Time: nanos(ev.GetTime())}
	var err error
	switch e := ev.(type) {
	case *event.BookSnapshot:
		row.Type, row.Seq = rowSnapshot, e.Seq
		if row.Bids, err = levelsText(e.Bids); err != nil {
			return row, false, err
		}
		row.Asks, err = levelsText(e.Asks)
	case *event.BookDiff:
		row.Type, row.First, row.Final = rowDiff, e.First, e.Final
		if row.Bids, err = levelsText(e.Bids); err != nil {
			return row, false, err
		}
		row.Asks, err = levelsText(e.Asks)
	case *event.CandleUpdate:
		c := e.Candle
		row.Type = rowCandle
		row.Interval = int64(c.Interval)
		row.OpenTime, row.CloseTime = nanos(c.OpenTime), nanos(c.CloseTime)
		row.Open, row.High, row.Low = c.Open.String(), c.High.String(), c.Low.String()
		row.Close, row.Volume = c.Close.String(), c.Volume.String()
		row.Closed = c.Closed
	case *event.Trade:
		row.Type = rowTrade
		row.Price, row.Qty, row.BuyerMaker = e.Price.String(), e.Qty.String(), e.BuyerMaker
	case *event.ConnectionLost:
		row.Type, row.Reason = rowLost, e.Reason
	case *event.GapDetected:
		row.Type, row.First, row.Final = rowGap, e.Expected, e.Got
	default:
		return row, false, nil
	}
	return row, true, err
}

func dec(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func fromRow(row eventRow) (event.Event, error) {
	base := event.Base{Symbol: row.Symbol, Time: fromNanos(row.Time)}
	switch row.Type {
	case rowSnapshot, rowDiff:
		bids, err := parseLevels(row.Bids)
		if err != nil {
			return nil, fmt.Errorf("bids: %w", err)
		}
		asks, err := parseLevels(row.Asks)
		if err != nil {
			return nil, fmt.Errorf("asks: %w", err)
		}
		if row.Type == rowSnapshot {
			return &event.BookSnapshot{Base: base, Seq: row.Seq, Bids: bids, Asks: asks}, nil
		}
		return &event.BookDiff{Base: base, First: row.First, Final: row.Final, Bids: bids, Asks: asks}, nil
	case rowCandle:
		c := domain.Candle{
			Symbol:    row.Symbol,
			Interval:  time.Duration(row.Interval),
			OpenTime:  fromNanos(row.OpenTime),
			CloseTime: fromNanos(row.CloseTime),
			Closed:    row.Closed,
		}
		var err error
		for _, f := range []struct {
			dst *decimal.Decimal
			src string
		}{{&c.Open, row.Open}, {&c.High, row.High}, {&c.Low, row.Low}, {&c.Close, row.Close}, {&c.Volume, row.Volume}} {
			if *f.dst, err = dec(f.src); err != nil {
				return nil, fmt.Errorf("candle: %w", err)
			}
		}
		return &event.CandleUpdate{Base: base, Candle: c}, nil
	case rowTrade:
		price, err := dec(row.Price)
		if err != nil {
			return nil, fmt.Errorf("trade price: %w", err)
		}
		qty, err := dec(row.Qty)
		if err != nil {
			return nil, fmt.Errorf("trade qty: %w", err)
		}
		return &event.Trade{Base: base, Price: price, Qty: qty, BuyerMaker: row.BuyerMaker}, nil
	case rowLost:
		return &event.ConnectionLost{Base: base, Reason: row.Reason}, nil
	case rowGap:
		return &event.GapDetected{Base: base, Expected: row.First, Got: row.Final}, nil
	}
	return nil, fmt.Errorf("unknown row type %q", row.Type)
}

// ReadDataset loads a recorded dataset as a time-ordered event sequence.
// Events with equal timestamps keep their file order.
func ReadDataset(path string) ([]event.Event, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", path, err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(eventRow), 1)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	defer pr.ReadStop()

	n := int(pr.GetNumRows())
	rows := make([]eventRow, n)
	if n > 0 {
		if err := pr.Read(&rows); err != nil {
			return nil, fmt.Errorf("read dataset %s: %w", path, err)
		}
	}

	events := make([]event.Event, 0, n)
	for i, row := range rows {
		ev, err := fromRow(row)
		if err != nil {
			return nil, fmt.Errorf("dataset %s row %d: %w", path, i, err)
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].GetTime().Before(events[j].GetTime())
	})
	return events, nil
}

// DatasetWriter records live events to a parquet file for later replay.
// It is installed as the router tap, so it sees events before they are
// released to the pool.
type DatasetWriter struct {
	mu     sync.Mutex
	fw     source.ParquetFile
	pw     *writer.ParquetWriter
	path   string
	rows   int
	errors int
	closed bool
	logger *slog.Logger
}

// NewDatasetWriter creates (or truncates) the file at path.
func NewDatasetWriter(path string) (*DatasetWriter, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("create dataset %s: %w", path, err)
	}
	pw, err := writer.NewParquetWriter(fw, new(eventRow), 1)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("create dataset %s: %w", path, err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	return &DatasetWriter{
		fw:     fw,
		pw:     pw,
		path:   path,
		logger: slog.Default().With("module", "recorder"),
	}, nil
}

// Record appends ev. Write failures are logged and counted, never
// propagated to the trading path.
func (w *DatasetWriter) Record(ev event.Event) {
	row, ok, err := toRow(ev)
	if err == nil && !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if err == nil {
		err = w.pw.Write(row)
	}
	if err != nil {
		w.errors++
		if w.errors == 1 || w.errors%1000 == 0 {
			w.logger.Error("dataset write failed", slog.String("path", w.path), slog.Int("errors", w.errors), slog.Any("error", err))
		}
		return
	}
	w.rows++
}

// Rows returns the number of recorded events.
func (w *DatasetWriter) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// WriteEvents records events in order. It is the batch form of Record.
func (w *DatasetWriter) WriteEvents(events []event.Event) error {
	for _, ev := range events {
		row, ok, err := toRow(ev)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		w.mu.Lock()
		err = w.pw.Write(row)
		if err == nil {
			w.rows++
		}
		w.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Close flushes the row groups and closes the file.
func (w *DatasetWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.pw.WriteStop(); err != nil {
		w.fw.Close()
		return fmt.Errorf("flush dataset %s: %w", w.path, err)
	}
	w.logger.Info("dataset closed", slog.String("path", w.path), slog.Int("rows", w.rows))
	return w.fw.Close()
}
