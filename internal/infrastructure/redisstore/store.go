// Package redisstore keeps products and dispense requests in Redis. Every
// multi-record change runs as one Lua script so it is applied atomically.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/kuldeep-zigg/wendor-placement/internal/domain/catalog"
	"github.com/kuldeep-zigg/wendor-placement/internal/domain/dispense"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const DefaultPrefix = "kiosk:"

const (
	modeInsert = "insert"
	modeUpdate = "update"

	codeOK           = 0
	codeMissing      = -1
	codeInsufficient = -2
	codeExists       = -3
	codeNotFound     = -4
	codeLimit        = -5
)

// commitScript applies stock deltas and writes a dispense record in one step.
// KEYS: dispense key, dispense index, product keys...
// ARGV: dispense json, index score, dispense id, mode, updated_at, max stock, deltas...
var commitScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[1])
if ARGV[4] == 'insert' and exists == 1 then
	return {-3, 0, 0}
end
if ARGV[4] == 'update' and exists == 0 then
	return {-4, 0, 0}
end

for i = 3, #KEYS do
	local stock = redis.call('HGET', KEYS[i], 'stock')
	if not stock then
		return {-1, i - 2, 0}
	end
	local next = tonumber(stock) + tonumber(ARGV[i + 4])
	if next < 0 then
		return {-2, i - 2, tonumber(stock)}
	end
	if next > tonumber(ARGV[6]) then
		return {-5, i - 2, tonumber(stock)}
	end
end

for i = 3, #KEYS do
	redis.call('HINCRBY', KEYS[i], 'stock', ARGV[i + 4])
	redis.call('HSET', KEYS[i], 'updated_at', ARGV[5])
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], 'NX', ARGV[2], ARGV[3])
return {0, 0, 0}
`)

// adjustScript applies one delta, refusing to go below zero or above ARGV[3].
var adjustScript = redis.NewScript(`
local stock = redis.call('HGET', KEYS[1], 'stock')
if not stock then
	return {-1, 0}
end
local delta = tonumber(ARGV[1])
if tonumber(stock) + delta < 0 then
	return {-2, tonumber(stock)}
end
if tonumber(stock) + delta > tonumber(ARGV[3]) then
	return {-5, tonumber(stock)}
end
local next = redis.call('HINCRBY', KEYS[1], 'stock', delta)
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
return {0, next}
`)

type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) productKey(id int64) string { return s.prefix + "product:" + strconv.FormatInt(id, 10) }
func (s *Store) productIndex() string       { return s.prefix + "products" }
func (s *Store) dispenseKey(id string) string {
	return s.prefix + "dispense:" + id
}
func (s *Store) dispenseIndex() string { return s.prefix + "dispenses" }

// Seed writes products when the catalog is still empty.
func (s *Store) Seed(ctx context.Context, products []*catalog.Product) error {
	n, err := s.client.ZCard(ctx, s.productIndex()).Result()
	if err != nil {
		return fmt.Errorf("redisstore: seed: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range products {
			pipe.HSet(ctx, s.productKey(p.ID), map[string]any{
				"name":       p.Name,
				"price":      p.UnitPrice.String(),
				"stock":      p.StockCount,
				"active":     boolString(p.Active),
				"updated_at": p.UpdatedAt.UnixNano(),
			})
			pipe.ZAdd(ctx, s.productIndex(), redis.Z{Score: float64(p.ID), Member: p.ID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: seed: %w", err)
	}
	return nil
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeProduct(id int64, h map[string]string) (*catalog.Product, error) {
	if len(h) == 0 {
		return nil, catalog.ErrProductNotFound
	}
	price, err := decimal.NewFromString(h["price"])
	if err != nil {
		return nil, fmt.Errorf("redisstore: product %d price: %w", id, err)
	}
	stock, err := strconv.Atoi(h["stock"])
	if err != nil {
		return nil, fmt.Errorf("redisstore: product %d stock: %w", id, err)
	}
	updated, _ := strconv.ParseInt(h["updated_at"], 10, 64)
	return &catalog.Product{
		ID:         id,
		Name:       h["name"],
		UnitPrice:  price,
		StockCount: stock,
		Active:     h["active"] == "1",
		UpdatedAt:  time.Unix(0, updated).UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, id int64) (*catalog.Product, error) {
	h, err := s.client.HGetAll(ctx, s.productKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: get product: %w", err)
	}
	return decodeProduct(id, h)
}

func (s *Store) List(ctx context.Context) ([]*catalog.Product, error) {
	members, err := s.client.ZRange(ctx, s.productIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list products: %w", err)
	}
	ids := make([]int64, 0, len(members))
	cmds := make([]*redis.MapStringStringCmd, 0, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range members {
			id, perr := strconv.ParseInt(m, 10, 64)
			if perr != nil {
				continue
			}
			ids = append(ids, id)
			cmds = append(cmds, pipe.HGetAll(ctx, s.productKey(id)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redisstore: list products: %w", err)
	}
	out := make([]*catalog.Product, 0, len(ids))
	for i, cmd := range cmds {
		p, err := decodeProduct(ids[i], cmd.Val())
		if errors.Is(err, catalog.ErrProductNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) AdjustStock(ctx context.Context, id int64, delta int) (*catalog.Product, error) {
	// Lua numbers are doubles; keep deltas inside the range they hold exactly.
	if delta > catalog.MaxStock {
		return nil, fmt.Errorf("%w: delta %d", catalog.ErrStockLimit, delta)
	}
	requested, scriptDelta := -delta, delta
	if requested < 0 {
		requested = math.MaxInt
	}
	if delta < -catalog.MaxStock {
		scriptDelta = -catalog.MaxStock - 1
	}
	res, err := adjustScript.Run(ctx, s.client, []string{s.productKey(id)}, scriptDelta, time.Now().UTC().UnixNano(), catalog.MaxStock).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redisstore: adjust: %w", err)
	}
	switch res[0] {
	case codeMissing:
		return nil, catalog.ErrProductNotFound
	case codeInsufficient:
		return nil, &catalog.InsufficientStockError{ProductID: id, Available: int(res[1]), Requested: requested}
	case codeLimit:
		return nil, fmt.Errorf("%w: product %d has %d, max %d", catalog.ErrStockLimit, id, res[1], catalog.MaxStock)
	}
	return s.Get(ctx, id)
}

func (s *Store) Deduct(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error {
	return s.commit(ctx, adj, req, modeInsert)
}

func (s *Store) Restock(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request) error {
	return s.commit(ctx, adj, req, modeUpdate)
}

func (s *Store) InsertDispense(ctx context.Context, r *dispense.Request) error {
	return s.commit(ctx, nil, r, modeInsert)
}

func (s *Store) UpdateDispense(ctx context.Context, r *dispense.Request) error {
	return s.commit(ctx, nil, r, modeUpdate)
}

func (s *Store) commit(ctx context.Context, adj []catalog.Adjustment, req *dispense.Request, mode string) error {
	if req == nil || req.ID == "" {
		return errors.New("redisstore: dispense id is required")
	}
	raw, err := json.Marshal(toRecord(req))
	if err != nil {
		return fmt.Errorf("redisstore: encode dispense: %w", err)
	}

	// Merge repeated products so the script checks each record once.
	ids := make([]int64, 0, len(adj))
	totals := make(map[int64]int, len(adj))
	for _, a := range adj {
		if _, seen := totals[a.ProductID]; !seen {
			ids = append(ids, a.ProductID)
		}
		totals[a.ProductID] += a.Delta
	}
	keys := []string{s.dispenseKey(req.ID), s.dispenseIndex()}
	args := []any{string(raw), req.CreatedAt.UnixMicro(), req.ID, mode, time.Now().UTC().UnixNano(), catalog.MaxStock}
	for _, id := range ids {
		keys = append(keys, s.productKey(id))
		args = append(args, totals[id])
	}

	res, err := commitScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return fmt.Errorf("redisstore: commit: %w", err)
	}
	switch res[0] {
	case codeOK:
		return nil
	case codeExists:
		return dispense.ErrConflict
	case codeNotFound:
		return dispense.ErrNotFound
	case codeMissing:
		return fmt.Errorf("%w: %d", catalog.ErrProductNotFound, ids[res[1]-1])
	case codeInsufficient:
		id := ids[res[1]-1]
		return &catalog.InsufficientStockError{ProductID: id, Available: int(res[2]), Requested: -totals[id]}
	case codeLimit:
		id := ids[res[1]-1]
		return fmt.Errorf("%w: product %d has %d, max %d", catalog.ErrStockLimit, id, res[2], catalog.MaxStock)
	default:
		return fmt.Errorf("redisstore: commit: unexpected result %v", res)
	}
}

func (s *Store) GetDispense(ctx context.Context, id string) (*dispense.Request, error) {
	raw, err := s.client.Get(ctx, s.dispenseKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, dispense.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get dispense: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("redisstore: decode dispense: %w", err)
	}
	return rec.toRequest(), nil
}

func (s *Store) ListDispenses(ctx context.Context, status dispense.Status) ([]*dispense.Request, error) {
	ids, err := s.client.ZRange(ctx, s.dispenseIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list dispenses: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.dispenseKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list dispenses: %w", err)
	}
	out := make([]*dispense.Request, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec record
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: decode dispense: %w", err)
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.toRequest())
	}
	return out, nil
}

type record struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	Items     []int64         `json:"items"`
	Status    dispense.Status `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func toRecord(r *dispense.Request) record {
	return record{
		ID:        r.ID,
		OrderID:   r.OrderID,
		Items:     r.Items,
		Status:    r.Status,
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r record) toRequest() *dispense.Request {
	return &dispense.Request{
		ID:        r.ID,
		OrderID:   r.OrderID,
		Items:     r.Items,
		Status:    r.Status,
		Attempts:  r.Attempts,
		LastError: r.LastError,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
