// Package awstest provides in-memory stand-ins for the AWS clients used by the
// stores. The DynamoDB fake understands the small expression dialect the stores
// write: SET assignments with + and -, and AND-joined comparisons, IN lists and
// attribute_exists / attribute_not_exists checks.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type index struct {
	partitionKey string
	sortKey      string
}

type table struct {
	key     string
	items   map[string]map[string]types.AttributeValue
	indexes map[string]index
}

// DynamoDB is a goroutine-safe fake of the DynamoDB operations the stores call.
type DynamoDB struct {
	mu     sync.Mutex
	tables map[string]*table

	// Fail, when set, is consulted before every operation; a non-nil return is
	// handed back to the caller unchanged.
	Fail func(op string) error

	Calls map[string]int
}

// NewDynamoDB returns an empty fake.
func NewDynamoDB() *DynamoDB {
	return &DynamoDB{
		tables: map[string]*table{},
		Calls:  map[string]int{},
	}
}

// CreateTable registers a table keyed by a single string partition key.
func (d *DynamoDB) CreateTable(name, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[name] = &table{key: key, items: map[string]map[string]types.AttributeValue{}, indexes: map[string]index{}}
}

// CreateIndex registers a global secondary index on an existing table.
func (d *DynamoDB) CreateIndex(tableName, indexName, partitionKey, sortKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tables[tableName].indexes[indexName] = index{partitionKey: partitionKey, sortKey: sortKey}
}

// Seed stores item without evaluating any condition.
func (d *DynamoDB) Seed(tableName string, item map[string]types.AttributeValue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.tables[tableName]
	t.items[keyString(item[t.key])] = copyItem(item)
}

// Item returns a copy of the stored item, or nil.
func (d *DynamoDB) Item(tableName, key string) map[string]types.AttributeValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	item, ok := d.tables[tableName].items[key]
	if !ok {
		return nil
	}
	return copyItem(item)
}

func (d *DynamoDB) begin(op string) error {
	d.Calls[op]++
	if d.Fail != nil {
		return d.Fail(op)
	}
	return nil
}

func (d *DynamoDB) table(name *string) (*table, error) {
	if name == nil {
		return nil, errors.New("awstest: missing table name")
	}
	t, ok := d.tables[*name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: strPtr("table " + *name + " not found")}
	}
	return t, nil
}

func (d *DynamoDB) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("PutItem"); err != nil {
		return nil, err
	}
	t, err := d.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k := keyString(params.Item[t.key])
	existing := t.items[k]
	ok, err := evalCondition(params.ConditionExpression, existing, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(existing, params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld)
	}
	t.items[k] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (d *DynamoDB) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("GetItem"); err != nil {
		return nil, err
	}
	t, err := d.table(params.TableName)
	if err != nil {
		return nil, err
	}
	item, ok := t.items[keyString(params.Key[t.key])]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (d *DynamoDB) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("UpdateItem"); err != nil {
		return nil, err
	}
	t, err := d.table(params.TableName)
	if err != nil {
		return nil, err
	}
	k := keyString(params.Key[t.key])
	existing := t.items[k]
	ok, err := evalCondition(params.ConditionExpression, existing, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(existing, params.ReturnValuesOnConditionCheckFailure == types.ReturnValuesOnConditionCheckFailureAllOld)
	}
	updated, err := applyUpdate(existing, params.Key, params.UpdateExpression, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	t.items[k] = updated
	out := &dyn.UpdateItemOutput{}
	if params.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(updated)
	}
	return out, nil
}

func (d *DynamoDB) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("TransactWriteItems"); err != nil {
		return nil, err
	}

	type pending struct {
		t    *table
		key  string
		item map[string]types.AttributeValue
	}
	var writes []pending
	seen := map[string]bool{}
	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false

	for i, ti := range params.TransactItems {
		var (
			tableName *string
			key       map[string]types.AttributeValue
			cond      *string
			names     map[string]string
			values    map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			tableName, cond, names, values = ti.Put.TableName, ti.Put.ConditionExpression, ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			tableName, key, cond, names, values = ti.Update.TableName, ti.Update.Key, ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			tableName, key, cond, names, values = ti.ConditionCheck.TableName, ti.ConditionCheck.Key, ti.ConditionCheck.ConditionExpression, ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		case ti.Delete != nil:
			tableName, key, cond, names, values = ti.Delete.TableName, ti.Delete.Key, ti.Delete.ConditionExpression, ti.Delete.ExpressionAttributeNames, ti.Delete.ExpressionAttributeValues
		default:
			return nil, errors.New("awstest: empty transact item")
		}
		t, err := d.table(tableName)
		if err != nil {
			return nil, err
		}
		if ti.Put != nil {
			key = map[string]types.AttributeValue{t.key: ti.Put.Item[t.key]}
		}
		k := keyString(key[t.key])
		if seen[*tableName+"/"+k] {
			return nil, &types.InternalServerError{Message: strPtr("Transaction request cannot include multiple operations on one item")}
		}
		seen[*tableName+"/"+k] = true

		existing := t.items[k]
		ok, err := evalCondition(cond, existing, names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			reasons[i] = types.CancellationReason{Code: strPtr("ConditionalCheckFailed")}
			failed = true
			continue
		}
		reasons[i] = types.CancellationReason{Code: strPtr("None")}

		switch {
		case ti.Put != nil:
			writes = append(writes, pending{t: t, key: k, item: copyItem(ti.Put.Item)})
		case ti.Update != nil:
			updated, err := applyUpdate(existing, key, ti.Update.UpdateExpression, names, values)
			if err != nil {
				return nil, err
			}
			writes = append(writes, pending{t: t, key: k, item: updated})
		case ti.Delete != nil:
			writes = append(writes, pending{t: t, key: k})
		}
	}

	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             strPtr("Transaction cancelled"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		if w.item == nil {
			delete(w.t.items, w.key)
			continue
		}
		w.t.items[w.key] = w.item
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (d *DynamoDB) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("Query"); err != nil {
		return nil, err
	}
	t, err := d.table(params.TableName)
	if err != nil {
		return nil, err
	}
	sortKey := ""
	if params.IndexName != nil {
		idx, ok := t.indexes[*params.IndexName]
		if !ok {
			return nil, fmt.Errorf("awstest: index %s not found", *params.IndexName)
		}
		sortKey = idx.sortKey
	}

	var out []map[string]types.AttributeValue
	for _, item := range t.items {
		ok, err := evalCondition(params.KeyConditionExpression, item, params.ExpressionAttributeNames, params.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, copyItem(item))
		}
	}
	forward := params.ScanIndexForward == nil || *params.ScanIndexForward
	sort.SliceStable(out, func(i, j int) bool {
		a, b := keyString(out[i][sortKey]), keyString(out[j][sortKey])
		if forward {
			return a < b
		}
		return a > b
	})
	if params.Limit != nil && int(*params.Limit) < len(out) {
		out = out[:*params.Limit]
	}
	return &dyn.QueryOutput{Items: out, Count: int32(len(out))}, nil
}

func (d *DynamoDB) Scan(ctx context.Context, params *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.begin("Scan"); err != nil {
		return nil, err
	}
	t, err := d.table(params.TableName)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, copyItem(t.items[k]))
	}
	return &dyn.ScanOutput{Items: out, Count: int32(len(out))}, nil
}

func conditionFailed(existing map[string]types.AttributeValue, returnOld bool) error {
	e := &types.ConditionalCheckFailedException{Message: strPtr("The conditional request failed")}
	if returnOld && existing != nil {
		e.Item = copyItem(existing)
	}
	return e
}

// evalCondition evaluates an AND-joined condition against item. A nil or empty
// expression always passes.
func evalCondition(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		ok, err := evalClause(strings.TrimSpace(clause), item, names, values)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

var comparators = []string{"<>", ">=", "<=", "=", ">", "<"}

func evalClause(clause string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if inner, ok := call(clause, "attribute_exists"); ok {
		_, found := lookup(item, resolvePath(inner, names))
		return found, nil
	}
	if inner, ok := call(clause, "attribute_not_exists"); ok {
		_, found := lookup(item, resolvePath(inner, names))
		return !found, nil
	}
	if lhs, list, ok := strings.Cut(clause, " IN "); ok {
		left, found := lookup(item, resolvePath(strings.TrimSpace(lhs), names))
		if !found {
			return false, nil
		}
		list = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(list), "("), ")")
		for _, ref := range strings.Split(list, ",") {
			v, ok := values[strings.TrimSpace(ref)]
			if !ok {
				return false, fmt.Errorf("awstest: missing value %s", ref)
			}
			if c, ok := compare(left, v); ok && c == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	for _, op := range comparators {
		lhs, rhs, ok := strings.Cut(clause, " "+op+" ")
		if !ok {
			continue
		}
		left, found := operand(strings.TrimSpace(lhs), item, names, values)
		if !found {
			return false, nil
		}
		right, found := operand(strings.TrimSpace(rhs), item, names, values)
		if !found {
			return false, nil
		}
		c, ok := compare(left, right)
		if !ok {
			return false, nil
		}
		switch op {
		case "=":
			return c == 0, nil
		case "<>":
			return c != 0, nil
		case ">=":
			return c >= 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c < 0, nil
		}
	}
	return false, fmt.Errorf("awstest: unsupported condition %q", clause)
}

// applyUpdate returns a copy of existing (or a new item built from key) with the
// SET clauses of expr applied.
func applyUpdate(existing, key map[string]types.AttributeValue, expr *string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	item := copyItem(existing)
	if item == nil {
		item = copyItem(key)
	}
	if expr == nil {
		return item, nil
	}
	body := strings.TrimSpace(*expr)
	if !strings.HasPrefix(body, "SET ") {
		return nil, fmt.Errorf("awstest: unsupported update %q", body)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(body, "SET "), ",") {
		lhs, rhs, ok := strings.Cut(assignment, "=")
		if !ok {
			return nil, fmt.Errorf("awstest: bad assignment %q", assignment)
		}
		path := resolvePath(strings.TrimSpace(lhs), names)
		v, err := evalValue(strings.TrimSpace(rhs), item, names, values)
		if err != nil {
			return nil, err
		}
		if err := assign(item, path, v); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func evalValue(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, error) {
	for _, op := range []string{"+", "-"} {
		lhs, rhs, ok := strings.Cut(expr, " "+op+" ")
		if !ok {
			continue
		}
		left, found := operand(strings.TrimSpace(lhs), item, names, values)
		if !found {
			return nil, &types.InternalServerError{Message: strPtr("The provided expression refers to an attribute that does not exist in the item")}
		}
		right, found := operand(strings.TrimSpace(rhs), item, names, values)
		if !found {
			return nil, fmt.Errorf("awstest: missing operand %s", rhs)
		}
		a, errA := number(left)
		b, errB := number(right)
		if errA != nil || errB != nil {
			return nil, errors.New("awstest: arithmetic on non-number")
		}
		if op == "-" {
			b = -b
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(a+b, 10)}, nil
	}
	v, found := operand(expr, item, names, values)
	if !found {
		return nil, fmt.Errorf("awstest: missing operand %s", expr)
	}
	return v, nil
}

func operand(token string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (types.AttributeValue, bool) {
	if strings.HasPrefix(token, ":") {
		v, ok := values[token]
		return v, ok
	}
	return lookup(item, resolvePath(token, names))
}

func call(clause, fn string) (string, bool) {
	if !strings.HasPrefix(clause, fn+"(") || !strings.HasSuffix(clause, ")") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(clause, fn+"("), ")"), true
}

func resolvePath(path string, names map[string]string) []string {
	parts := strings.Split(path, ".")
	for i, p := range parts {
		if strings.HasPrefix(p, "#") {
			if n, ok := names[p]; ok {
				parts[i] = n
			}
		}
	}
	return parts
}

func lookup(item map[string]types.AttributeValue, path []string) (types.AttributeValue, bool) {
	if item == nil {
		return nil, false
	}
	cur := item
	for i, name := range path {
		v, ok := cur[name]
		if !ok {
			return nil, false
		}
		if i == len(path)-1 {
			return v, true
		}
		m, ok := v.(*types.AttributeValueMemberM)
		if !ok {
			return nil, false
		}
		cur = m.Value
	}
	return nil, false
}

func assign(item map[string]types.AttributeValue, path []string, v types.AttributeValue) error {
	cur := item
	for i, name := range path {
		if i == len(path)-1 {
			cur[name] = v
			return nil
		}
		m, ok := cur[name].(*types.AttributeValueMemberM)
		if !ok {
			return &types.InternalServerError{Message: strPtr("The document path provided in the update expression is invalid for update")}
		}
		cur = m.Value
	}
	return nil
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		x, err1 := number(av)
		y, err2 := number(b)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok {
			return 0, false
		}
		if av.Value == bv.Value {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}

func number(v types.AttributeValue) (int64, error) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("not a number")
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func keyString(v types.AttributeValue) string {
	switch kv := v.(type) {
	case *types.AttributeValueMemberS:
		return kv.Value
	case *types.AttributeValueMemberN:
		return kv.Value
	}
	return ""
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v types.AttributeValue) types.AttributeValue {
	switch tv := v.(type) {
	case *types.AttributeValueMemberM:
		return &types.AttributeValueMemberM{Value: copyItem(tv.Value)}
	case *types.AttributeValueMemberL:
		l := make([]types.AttributeValue, len(tv.Value))
		for i, e := range tv.Value {
			l[i] = copyValue(e)
		}
		return &types.AttributeValueMemberL{Value: l}
	case *types.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: tv.Value}
	case *types.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: tv.Value}
	case *types.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: tv.Value}
	}
	return v
}

func strPtr(s string) *string { return &s }
