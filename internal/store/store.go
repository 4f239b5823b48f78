// Package store provides an optional crash-safe recovery log for the
// live-orders table.
//
// The core design needs no persistence — a restart's recovery path is
// listActiveOrders against the broker (see internal/engine). This log is the
// "optional disk-backed Live-Orders Table" mentioned in spec §6: an
// append-safe JSONL file, one record per table mutation, in the exact shape
// {clientOrderId, ticker, classCode, side, price, quantity, status}. Replay
// on Load folds the file down to each clientOrderId's last record and drops
// any that ended terminal, giving a best-effort local snapshot to cross-check
// against the broker's own listActiveOrders response.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"

	"brokermm/pkg/types"
)

// record is the on-disk shape of one log line.
type record struct {
	ClientOrderID string `json:"clientOrderId"`
	Ticker        string `json:"ticker"`
	ClassCode     string `json:"classCode"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Quantity      int64  `json:"quantity"`
	Status        int    `json:"status"`
}

// Store appends live-orders table mutations to a single JSONL file.
type Store struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// Open creates (or appends to) the recovery log at <dir>/orders.jsonl.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, "orders.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open recovery log: %w", err)
	}
	return &Store{path: path, f: f}, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// Append writes one record for an order's current state. Safe to call for
// every table mutation — the log is append-only and never rewritten in
// place, so a crash mid-write leaves only a truncated trailing line, not a
// corrupted file.
func (s *Store) Append(o types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := record{
		ClientOrderID: o.ClientOrderID,
		Ticker:        o.Ticker,
		ClassCode:     o.ClassCode,
		Side:          string(o.Side),
		Price:         o.Price.String(),
		Quantity:      o.Quantity,
		Status:        int(o.Status),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Load replays the recovery log, keeps the last record per clientOrderId,
// and returns those whose last record is non-terminal (an id whose last
// record is terminal is dropped, not rolled back to an earlier record).
// Returns an empty slice if the log is empty or absent.
func Load(dir string) ([]types.Order, error) {
	path := filepath.Join(dir, "orders.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open recovery log: %w", err)
	}
	defer f.Close()

	byID := make(map[string]record)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // tolerate a truncated trailing line from a crash mid-write
		}
		byID[rec.ClientOrderID] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read recovery log: %w", err)
	}

	out := make([]types.Order, 0, len(byID))
	for _, rec := range byID {
		status := types.OrderStatus(rec.Status)
		if status.Terminal() {
			continue
		}
		price, _ := decimal.NewFromString(rec.Price)
		out = append(out, types.Order{
			ClientOrderID: rec.ClientOrderID,
			Ticker:        rec.Ticker,
			ClassCode:     rec.ClassCode,
			Side:          types.Side(rec.Side),
			Price:         price,
			Quantity:      rec.Quantity,
			Status:        status,
		})
	}
	return out, nil
}
