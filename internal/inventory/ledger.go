package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/boutique/orderpay/internal/aws"
)

// ErrProductNotFound is returned when a product id has no row.
var ErrProductNotFound = errors.New("product not found")

// Ledger reads and moves stock counts in the products table. Every mutation is a
// conditional update, so counts never go negative regardless of how many
// processes decrement the same product at once.
type Ledger struct {
	client    aws.DynamoDBAPI
	tableName string
	logger    *zap.Logger
}

// NewLedger returns a Ledger bound to the products table.
func NewLedger(client aws.DynamoDBAPI, tableName string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

// Get fetches a product by id. Returns (nil, nil) if not found.
func (l *Ledger) Get(ctx context.Context, id string) (*Product, error) {
	out, err := l.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &l.tableName,
		Key:            productKey(id),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// GetMany fetches every distinct id. Missing products are absent from the result.
func (l *Ledger) GetMany(ctx context.Context, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if _, done := out[id]; done {
			continue
		}
		p, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out[id] = *p
		}
	}
	return out, nil
}

// CheckAvailability reports whether quantity units of the variant are on hand.
func (l *Ledger) CheckAvailability(ctx context.Context, id string, quantity int, color, size string) (bool, error) {
	p, err := l.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if p == nil {
		return false, ErrProductNotFound
	}
	available, _ := Available(*p, color, size)
	return available >= quantity, nil
}

// Decrement removes line.Quantity units with a single conditional update. A
// product that no longer exists is skipped; the order row keeps its own snapshot.
func (l *Ledger) Decrement(ctx context.Context, line Line) error {
	return l.move(ctx, line, -1)
}

// Increment returns line.Quantity units, compensating an earlier Decrement.
func (l *Ledger) Increment(ctx context.Context, line Line) error {
	return l.move(ctx, line, 1)
}

func (l *Ledger) move(ctx context.Context, line Line, sign int) error {
	if line.Quantity <= 0 {
		return fmt.Errorf("invalid quantity %d", line.Quantity)
	}
	p, err := l.Get(ctx, line.ProductID)
	if err != nil {
		return err
	}
	if p == nil {
		l.logger.Warn("stock update skipped: product missing",
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity),
		)
		return nil
	}

	e := entry{product: *p, slots: []slotQty{{slot: resolve(*p, line.Color, line.Size), quantity: line.Quantity}}}
	upd := e.update(sign)
	_, err = l.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &l.tableName,
		Key:                                 productKey(p.ID),
		UpdateExpression:                    &upd.set,
		ConditionExpression:                 &upd.condition,
		ExpressionAttributeNames:            upd.names,
		ExpressionAttributeValues:           upd.values,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return nil
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("update stock %s: %w", p.ID, err)
	}
	if len(ccf.Item) == 0 {
		l.logger.Warn("stock update skipped: product deleted concurrently", zap.String("product_id", p.ID))
		return nil
	}
	var current Product
	if uerr := attributevalue.UnmarshalMap(ccf.Item, &current); uerr != nil {
		return fmt.Errorf("unmarshal product: %w", uerr)
	}
	if sign > 0 {
		return fmt.Errorf("restock %s: variant (%s/%s) no longer exists: %w", p.ID, line.Color, line.Size, ErrRestockFailed)
	}
	available, _ := Available(current, line.Color, line.Size)
	return &StockError{
		ProductID: p.ID,
		Name:      p.Name,
		Color:     line.Color,
		Size:      line.Size,
		Requested: line.Quantity,
		Available: available,
	}
}

// Available resolves the units on hand for a variant. tracked is true when the
// count came from the color/size matrix rather than flat stock. A requested
// variant absent from the matrix has nothing available unless the product opts
// out of per-variant tracking.
func Available(p Product, color, size string) (available int, tracked bool) {
	s := resolve(p, color, size)
	return s.available, s.variant
}

type slot struct {
	variant   bool
	color     string
	size      string
	available int
}

func resolve(p Product, color, size string) slot {
	if color == "" || size == "" || len(p.ColorSizeStock) == 0 {
		return slot{available: p.Stock}
	}
	if n, ok := p.ColorSizeStock[color][size]; ok {
		return slot{variant: true, color: color, size: size, available: n}
	}
	if p.UntrackedVariants {
		return slot{available: p.Stock}
	}
	return slot{variant: true, color: color, size: size, available: 0}
}

type slotQty struct {
	slot     slot
	quantity int
}

type entry struct {
	product Product
	slots   []slotQty
}

type stockUpdate struct {
	set       string
	condition string
	names     map[string]string
	values    map[string]types.AttributeValue
}

// update builds one UpdateItem touching every slot of the entry. sign is -1 to
// take stock and +1 to return it.
func (e entry) update(sign int) stockUpdate {
	u := stockUpdate{
		names:  map[string]string{},
		values: map[string]types.AttributeValue{},
	}
	op := "-"
	if sign > 0 {
		op = "+"
	}
	sets := make([]string, 0, len(e.slots))
	conds := []string{"attribute_exists(id)"}
	for k, s := range e.slots {
		q := ":q" + strconv.Itoa(k)
		u.values[q] = &types.AttributeValueMemberN{Value: strconv.Itoa(s.quantity)}

		path := "#stock"
		if !s.slot.variant {
			u.names["#stock"] = "stock"
		} else {
			c, sz := "#c"+strconv.Itoa(k), "#s"+strconv.Itoa(k)
			u.names["#css"] = "colorSizeStock"
			u.names[c] = s.slot.color
			u.names[sz] = s.slot.size
			path = "#css." + c + "." + sz
		}
		sets = append(sets, fmt.Sprintf("%s = %s %s %s", path, path, op, q))
		if sign < 0 {
			conds = append(conds, fmt.Sprintf("%s >= %s", path, q))
		} else {
			conds = append(conds, fmt.Sprintf("attribute_exists(%s)", path))
		}
	}
	u.set = "SET " + strings.Join(sets, ", ")
	u.condition = strings.Join(conds, " AND ")
	return u
}

// Reservation is a validated set of lines aggregated per product, ready to be
// committed inside a DynamoDB transaction.
type Reservation struct {
	tableName string
	entries   []entry

	// Missing lists lines whose product had no row when the reservation was planned.
	Missing []Line
}

// Plan checks lines against the product snapshots and aggregates quantities per
// product and variant. It returns a *StockError for the first line that cannot be
// satisfied. Lines whose product is absent from products are recorded in Missing.
func (l *Ledger) Plan(lines []Line, products map[string]Product) (*Reservation, error) {
	r, err := l.aggregate(lines, products)
	if err != nil {
		return nil, err
	}
	for _, e := range r.entries {
		for _, s := range e.slots {
			if s.quantity > s.slot.available {
				return nil, e.stockError(s)
			}
		}
	}
	return r, nil
}

// PlanRestock aggregates lines for returning units to stock. Availability is not
// checked.
func (l *Ledger) PlanRestock(lines []Line, products map[string]Product) (*Reservation, error) {
	return l.aggregate(lines, products)
}

func (l *Ledger) aggregate(lines []Line, products map[string]Product) (*Reservation, error) {
	r := &Reservation{tableName: l.tableName}
	byProduct := map[string]int{}

	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("invalid quantity %d for product %s", line.Quantity, line.ProductID)
		}
		p, ok := products[line.ProductID]
		if !ok {
			r.Missing = append(r.Missing, line)
			continue
		}
		idx, ok := byProduct[p.ID]
		if !ok {
			idx = len(r.entries)
			byProduct[p.ID] = idx
			r.entries = append(r.entries, entry{product: p})
		}
		s := resolve(p, line.Color, line.Size)
		e := &r.entries[idx]
		merged := false
		for i := range e.slots {
			if e.slots[i].slot.variant == s.variant && e.slots[i].slot.color == s.color && e.slots[i].slot.size == s.size {
				e.slots[i].quantity += line.Quantity
				merged = true
				break
			}
		}
		if !merged {
			e.slots = append(e.slots, slotQty{slot: s, quantity: line.Quantity})
		}
	}
	return r, nil
}

func (e entry) stockError(s slotQty) *StockError {
	return &StockError{
		ProductID: e.product.ID,
		Name:      e.product.Name,
		Color:     s.slot.color,
		Size:      s.slot.size,
		Requested: s.quantity,
		Available: s.slot.available,
	}
}

// Len is the number of transaction items the reservation contributes.
func (r *Reservation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// ProductIDs lists the products touched, in commit order.
func (r *Reservation) ProductIDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		ids = append(ids, e.product.ID)
	}
	return ids
}

// DecrementOps returns one conditional stock decrement per product.
func (r *Reservation) DecrementOps() aws.TxGroup {
	return r.ops(-1)
}

// IncrementOps returns one stock increment per product, used to restock.
func (r *Reservation) IncrementOps() aws.TxGroup {
	return r.ops(1)
}

func (r *Reservation) ops(sign int) aws.TxGroup {
	if r == nil {
		return aws.TxGroup{}
	}
	items := make([]types.TransactWriteItem, 0, len(r.entries))
	for _, e := range r.entries {
		u := e.update(sign)
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:                 aws.String(r.tableName),
				Key:                       productKey(e.product.ID),
				UpdateExpression:          aws.String(u.set),
				ConditionExpression:       aws.String(u.condition),
				ExpressionAttributeNames:  u.names,
				ExpressionAttributeValues: u.values,
			},
		})
	}
	return aws.TxGroup{
		Items: items,
		OnConditionFailed: func(i int) error {
			if i < 0 || i >= len(r.entries) {
				return nil
			}
			e := r.entries[i]
			if sign > 0 {
				return fmt.Errorf("restock %s: %w", e.product.ID, ErrRestockFailed)
			}
			// The snapshot said it fit; the live count moved underneath us.
			se := e.stockError(e.slots[0])
			se.Available = -1
			return se
		},
	}
}

func productKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func boolPtr(b bool) *bool { return &b }
