package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gerardkasemba/betadame-sub004/internal/errs"
	"github.com/gerardkasemba/betadame-sub004/internal/model"
	"github.com/gerardkasemba/betadame-sub004/internal/store"
)

type memWriter struct {
	objects map[string][]byte
	types   map[string]string
	err     error
}

func (w *memWriter) Put(_ context.Context, key string, data io.Reader, contentType string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = map[string][]byte{}
		w.types = map[string]string{}
	}
	w.objects[key] = b
	w.types[key] = contentType
	return nil
}

func seedLedger(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	now := time.Date(2025, 1, 2, 15, 4, 5, 0, time.UTC)
	pool, err := model.NewPool("m1", model.ShapeBinary, decimal.NewFromInt(2000), nil, now)
	if err != nil {
		t.Fatal(err)
	}
	m := &model.Market{ID: "m1", Title: "m1", Type: model.MarketBinary, Status: model.StatusOpen, CreatedAt: now}
	if err := ms.CreateMarket(ctx, m, pool); err != nil {
		t.Fatal(err)
	}

	err = ms.RunInTx(ctx, func(tx store.Tx) error {
		for i := 1; i <= 2; i++ {
			tr := &model.Trade{
				ID:          "t" + string(rune('0'+i)),
				MarketID:    "m1",
				UserID:      "u",
				Outcome:     model.OutcomeYes,
				TradeType:   model.TradeBuy,
				Amount:      decimal.NewFromInt(10),
				PoolVersion: int64(i),
				CreatedAt:   now,
			}
			if err := tx.InsertTrade(ctx, tr); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return ms
}

func TestArchiveMarket(t *testing.T) {
	ms := seedLedger(t)
	w := &memWriter{}
	a := New(ms, w, nil)
	a.now = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC) }

	key, err := a.ArchiveMarket(context.Background(), "m1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if key != "trades/m1/20250304T050607Z.jsonl" {
		t.Errorf("unexpected key %q", key)
	}
	if w.types[key] != "application/x-ndjson" {
		t.Errorf("unexpected content type %q", w.types[key])
	}

	sc := bufio.NewScanner(bytes.NewReader(w.objects[key]))
	var ids []string
	for sc.Scan() {
		var tr model.Trade
		if err := json.Unmarshal(sc.Bytes(), &tr); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		ids = append(ids, tr.ID)
	}
	if len(ids) != 2 || ids[0] != "t1" || ids[1] != "t2" {
		t.Errorf("unexpected archived trades %v", ids)
	}
}

func TestArchiveMarket_Errors(t *testing.T) {
	ms := seedLedger(t)

	_, err := New(ms, &memWriter{}, nil).ArchiveMarket(context.Background(), "missing")
	if !errs.Is(err, errs.NotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}

	_, err = New(ms, &memWriter{err: errors.New("bucket gone")}, nil).ArchiveMarket(context.Background(), "m1")
	if !errs.Is(err, errs.Internal) {
		t.Errorf("expected Internal, got %v", err)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		ssl  bool
		want string
	}{
		{"http://minio:9000", true, "http://minio:9000"},
		{"minio:9000", false, "http://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.want {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.want)
		}
	}
}
