package redisstore

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func getRedisStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	prefix := "kiosk-test:" + uuid.NewString() + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		_ = client.Close()
	})

	s := New(client, prefix)
	p7, _ := catalog.NewProduct(7, "Trail Mix", decimal.RequireFromString("2.50"), 2)
	p9, _ := catalog.NewProduct(9, "Gummy Bears", decimal.RequireFromString("1.10"), 5)
	if err := s.Seed(context.Background(), []*catalog.Product{p7, p9}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func TestListAndGet(t *testing.T) {
	s := getRedisStore(t)
	ctx := context.Background()

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != 7 || list[1].ID != 9 {
		t.Fatalf("unexpected list: %+v", list)
	}
	p, err := s.Get(ctx, 9)
	if err != nil {
		t.Fatal(err)
	}
	if !p.UnitPrice.Equal(decimal.RequireFromString("1.10")) || p.StockCount != 5 || !p.Active {
		t.Fatalf("unexpected product: %+v", p)
	}
	if _, err := s.Get(ctx, 404); !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdjustStockRefusesNegative(t *testing.T) {
	s := getRedisStore(t)
	ctx := context.Background()

	p, err := s.AdjustStock(ctx, 9, -2)
	if err != nil || p.StockCount != 3 {
		t.Fatalf("adjust: %+v %v", p, err)
	}
	if _, err := s.AdjustStock(ctx, 9, -4); !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if _, err := s.AdjustStock(ctx, 404, 1); !errors.Is(err, catalog.ErrProductNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAdjustStockRefusesAboveLimit(t *testing.T) {
	s := getRedisStore(t)
	ctx := context.Background()

	if _, err := s.AdjustStock(ctx, 9, catalog.MaxStock); !errors.Is(err, catalog.ErrStockLimit) {
		t.Fatalf("expected stock limit, got %v", err)
	}
	if _, err := s.AdjustStock(ctx, 9, math.MaxInt); !errors.Is(err, catalog.ErrStockLimit) {
		t.Fatalf("expected stock limit for MaxInt, got %v", err)
	}
	if _, err := s.AdjustStock(ctx, 9, math.MinInt); !errors.Is(err, catalog.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock for MinInt, got %v", err)
	}
	p, err := s.Get(ctx, 9)
	if err != nil || p.StockCount != 5 {
		t.Fatalf("stock changed: %+v %v", p, err)
	}
	if p, err := s.AdjustStock(ctx, 9, catalog.MaxStock-5); err != nil || p.StockCount != catalog.MaxStock {
		t.Fatalf("fill to limit: %+v %v", p, err)
	}
}

func TestDeductIsAtomic(t *testing.T) {
	s := getRedisStore(t)
	ctx := context.Background()
	req, _ := dispense.New("d1", "o1", []int64{7, 7, 9})

	err := s.Deduct(ctx, []catalog.Adjustment{{ProductID: 7, Delta: -2}, {ProductID: 9, Delta: -9}}, req)
	var ise *catalog.InsufficientStockError
	if !errors.As(err, &ise) || ise.ProductID != 9 {
		t.Fatalf("expected shortfall on 9, got %v", err)
	}
	p7, _ := s.Get(ctx, 7)
	if p7.StockCount != 2 {
		t.Fatalf("partial deduction on 7: %d", p7.StockCount)
	}
	if _, err := s.GetDispense(ctx, "d1"); !errors.Is(err, dispense.ErrNotFound) {
		t.Fatalf("dispense written on failure: %v", err)
	}

	if err := s.Deduct(ctx, []catalog.Adjustment{{ProductID: 7, Delta: -2}, {ProductID: 9, Delta: -1}}, req); err != nil {
		t.Fatal(err)
	}
	p7, _ = s.Get(ctx, 7)
	if p7.StockCount != 0 {
		t.Fatalf("expected 0, got %d", p7.StockCount)
	}
	if err := s.Deduct(ctx, nil, req); !errors.Is(err, dispense.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestDispenseLifecycle(t *testing.T) {
	s := getRedisStore(t)
	ctx := context.Background()
	req, _ := dispense.New("d1", "o1", []int64{9, 9})
	if err := s.InsertDispense(ctx, req); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDispense(ctx, "d1")
	if err != nil || got.Status != dispense.StatusPending {
		t.Fatalf("get: %+v %v", got, err)
	}

	_ = got.MarkExhausted()
	if err := s.UpdateDispense(ctx, got); err != nil {
		t.Fatal(err)
	}
	_ = got.MarkRefunded()
	if err := s.Restock(ctx, []catalog.Adjustment{{ProductID: 9, Delta: 2}}, got); err != nil {
		t.Fatal(err)
	}
	p9, _ := s.Get(ctx, 9)
	if p9.StockCount != 7 {
		t.Fatalf("restock: %d", p9.StockCount)
	}

	refunded, err := s.ListDispenses(ctx, dispense.StatusRefunded)
	if err != nil || len(refunded) != 1 {
		t.Fatalf("list: %+v %v", refunded, err)
	}
	missing, _ := dispense.New("nope", "o", []int64{1})
	if err := s.UpdateDispense(ctx, missing); !errors.Is(err, dispense.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
