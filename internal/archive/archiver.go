// Package archive exports a market's immutable trade ledger as JSONL to
// object storage. Archiving never deletes ledger rows.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
)

// ObjectWriter stores one object.
type ObjectWriter interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error
}

// LedgerReader is the slice of the store the archiver needs.
type LedgerReader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
}

// Archiver uploads trade ledgers.
type Archiver struct {
	ledger LedgerReader
	writer ObjectWriter
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Archiver.
func New(ledger LedgerReader, writer ObjectWriter, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		ledger: ledger,
		writer: writer,
		logger: logger.With("component", "archive"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ArchiveMarket writes the market's trades, in commit order, to
// trades/<market_id>/<timestamp>.jsonl and returns the key.
func (a *Archiver) ArchiveMarket(ctx context.Context, marketID string) (string, error) {
	const op = "archive.ArchiveMarket"

	if _, err := a.ledger.GetMarket(ctx, marketID); err != nil {
		return "", err
	}
	trades, err := a.ledger.GetTradesByMarket(ctx, marketID)
	if err != nil {
		return "", err
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return "", errs.Wrap(errs.Internal, op, err)
	}

	key := Key(marketID, a.now())
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", errs.Wrap(errs.Internal, op, err)
	}

	a.logger.Info("ledger archived", "market_id", marketID, "key", key, "trades", len(trades))
	return key, nil
}

// Key builds the object key for an archive taken at t.
//
//	trades/<market_id>/20250102T150405Z.jsonl
func Key(marketID string, t time.Time) string {
	return fmt.Sprintf("trades/%s/%s.jsonl", marketID, t.UTC().Format("20060102T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
