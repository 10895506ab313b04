// Package dynamotest provides a small in-memory DynamoDB fake for unit
// tests. It implements just the call shapes the stores in this repo use:
// conditional puts, versioned puts, SET-expression updates, hash-key
// queries, and two-item transactions.
//
// NOTE: This is intentionally minimal and not production-grade.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Item is a raw DynamoDB item.
type Item = map[string]types.AttributeValue

// Fake is an in-memory stand-in for the DynamoDB client. Items are stored
// per table, keyed by the primary key value (hash, or "hash#range" for the
// composite policy table).
type Fake struct {
	mu     sync.Mutex
	Tables map[string]map[string]Item

	failNext map[string]error
	failAt   map[string]map[int]error

	PutCalls      int
	GetCalls      int
	UpdateCalls   int
	QueryCalls    int
	TransactCalls int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Tables:   map[string]map[string]Item{},
		failNext: map[string]error{},
		failAt:   map[string]map[int]error{},
	}
}

// FailNext makes the next call of the given op ("put", "get", "update",
// "query", "transact") return err instead of executing.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

// FailOnCall makes the op's nth call overall (1-based) return err. Useful to
// fail a specific write in a multi-write flow.
func (f *Fake) FailOnCall(op string, call int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt[op] == nil {
		f.failAt[op] = map[int]error{}
	}
	f.failAt[op][call] = err
}

func (f *Fake) takeFailure(op string, count int) error {
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	if err, ok := f.failAt[op][count]; ok {
		delete(f.failAt[op], count)
		return err
	}
	return nil
}

// Raw returns the stored item for direct assertions, or nil.
func (f *Fake) Raw(table, key string) Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tables[table][key]
}

func (f *Fake) ensure(table string) map[string]Item {
	if _, ok := f.Tables[table]; !ok {
		f.Tables[table] = map[string]Item{}
	}
	return f.Tables[table]
}

// keyOf derives the storage key from an item or key map. Single-attribute
// keys are checked first; the policy table uses service_type + version.
// event_id and idempotency_key outrank order_id because their rows carry an
// order_id attribute too.
func keyOf(m Item) (string, error) {
	for _, attr := range []string{"event_id", "idempotency_key", "order_id"} {
		if v, ok := m[attr].(*types.AttributeValueMemberS); ok {
			return v.Value, nil
		}
	}
	st, okS := m["service_type"].(*types.AttributeValueMemberS)
	ver, okV := m["version"].(*types.AttributeValueMemberN)
	if okS && okV {
		return st.Value + "#" + ver.Value, nil
	}
	return "", errors.New("no recognized key attribute")
}

// checkCondition evaluates the condition expressions the stores use.
func checkCondition(existing Item, cond string, vals Item) error {
	switch {
	case strings.HasPrefix(cond, "attribute_not_exists("):
		if existing != nil {
			return &types.ConditionalCheckFailedException{}
		}
		return nil
	case cond == "version = :expected":
		if existing == nil {
			return &types.ConditionalCheckFailedException{}
		}
		cur, ok := existing["version"].(*types.AttributeValueMemberN)
		expected, okE := vals[":expected"].(*types.AttributeValueMemberN)
		if !ok || !okE || cur.Value != expected.Value {
			return &types.ConditionalCheckFailedException{}
		}
		return nil
	default:
		return fmt.Errorf("unsupported condition expression %q", cond)
	}
}

func (f *Fake) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PutCalls++
	if err := f.takeFailure("put", f.PutCalls); err != nil {
		return nil, err
	}

	table := f.ensure(*params.TableName)
	key, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil {
		var existing Item
		if it, ok := table[key]; ok {
			existing = it
		}
		if err := checkCondition(existing, *params.ConditionExpression, params.ExpressionAttributeValues); err != nil {
			return nil, err
		}
	}
	table[key] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	if err := f.takeFailure("get", f.GetCalls); err != nil {
		return nil, err
	}

	table := f.ensure(*params.TableName)
	key, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := table[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.UpdateCalls++
	if err := f.takeFailure("update", f.UpdateCalls); err != nil {
		return nil, err
	}

	table := f.ensure(*params.TableName)
	key, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := table[key]
	if !ok {
		// Update on an absent key creates the item, as DynamoDB does.
		item = Item{}
		for k, v := range params.Key {
			item[k] = v
		}
	}
	if err := applyUpdate(item, params); err != nil {
		return nil, err
	}
	table[key] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

// applyUpdate evaluates a SET update expression: plain assignment,
// if_not_exists, if_not_exists + increment, and list_append.
func applyUpdate(item Item, params *dyn.UpdateItemInput) error {
	expr := strings.TrimSpace(*params.UpdateExpression)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("unsupported update expression %q", expr)
	}
	vals := params.ExpressionAttributeValues
	for _, clause := range splitClauses(strings.TrimPrefix(expr, "SET ")) {
		parts := strings.SplitN(clause, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("bad clause %q", clause)
		}
		attr := resolveName(strings.TrimSpace(parts[0]), params.ExpressionAttributeNames)
		rhs := strings.TrimSpace(parts[1])

		switch {
		case strings.HasPrefix(rhs, "list_append("):
			// list_append(if_not_exists(attr, :empty), :entry)
			entry, ok := vals[lastValueRef(rhs)].(*types.AttributeValueMemberL)
			if !ok {
				return fmt.Errorf("list_append needs a list value in %q", clause)
			}
			existing, _ := item[attr].(*types.AttributeValueMemberL)
			var merged []types.AttributeValue
			if existing != nil {
				merged = append(merged, existing.Value...)
			}
			merged = append(merged, entry.Value...)
			item[attr] = &types.AttributeValueMemberL{Value: merged}

		case strings.Contains(rhs, ") + "):
			// if_not_exists(attr, :zero) + :inc
			base := int64(0)
			if cur, ok := item[attr].(*types.AttributeValueMemberN); ok {
				n, err := strconv.ParseInt(cur.Value, 10, 64)
				if err != nil {
					return err
				}
				base = n
			}
			inc, ok := vals[strings.TrimSpace(rhs[strings.Index(rhs, ") + ")+4:])].(*types.AttributeValueMemberN)
			if !ok {
				return fmt.Errorf("increment needs a number value in %q", clause)
			}
			n, err := strconv.ParseInt(inc.Value, 10, 64)
			if err != nil {
				return err
			}
			item[attr] = &types.AttributeValueMemberN{Value: strconv.FormatInt(base+n, 10)}

		case strings.HasPrefix(rhs, "if_not_exists("):
			if _, exists := item[attr]; !exists {
				item[attr] = vals[lastValueRef(rhs)]
			}

		case strings.HasPrefix(rhs, ":"):
			item[attr] = vals[rhs]

		default:
			return fmt.Errorf("unsupported rhs %q", rhs)
		}
	}
	return nil
}

// splitClauses splits a SET body on commas outside parentheses.
func splitClauses(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	out = append(out, strings.TrimSpace(s[start:]))
	return out
}

// lastValueRef returns the final :ref inside a function expression.
func lastValueRef(s string) string {
	idx := strings.LastIndex(s, ":")
	end := len(s)
	for i := idx; i < len(s); i++ {
		if s[i] == ')' || s[i] == ',' || s[i] == ' ' {
			end = i
			break
		}
	}
	return s[idx:end]
}

func resolveName(name string, names map[string]string) string {
	if strings.HasPrefix(name, "#") {
		if real, ok := names[name]; ok {
			return real
		}
	}
	return name
}

// Query supports a single hash-key equality condition ("service_type = :st"),
// numeric range-key ordering, and Limit.
func (f *Fake) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls++
	if err := f.takeFailure("query", f.QueryCalls); err != nil {
		return nil, err
	}

	cond := strings.TrimSpace(*params.KeyConditionExpression)
	parts := strings.SplitN(cond, "=", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("unsupported key condition %q", cond)
	}
	attr := strings.TrimSpace(parts[0])
	want, ok := params.ExpressionAttributeValues[strings.TrimSpace(parts[1])].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("key condition value missing in %q", cond)
	}

	table := f.ensure(*params.TableName)
	var items []Item
	for _, it := range table {
		if v, ok := it[attr].(*types.AttributeValueMemberS); ok && v.Value == want.Value {
			items = append(items, it)
		}
	}

	versionOf := func(it Item) int64 {
		if v, ok := it["version"].(*types.AttributeValueMemberN); ok {
			n, _ := strconv.ParseInt(v.Value, 10, 64)
			return n
		}
		return 0
	}
	desc := params.ScanIndexForward != nil && !*params.ScanIndexForward
	for i := 0; i < len(items); i++ {
		for j := i + 1; j < len(items); j++ {
			less := versionOf(items[i]) < versionOf(items[j])
			if (desc && less) || (!desc && !less) {
				items[i], items[j] = items[j], items[i]
			}
		}
	}
	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}
	return &dyn.QueryOutput{Items: items}, nil
}

// TransactWriteItems checks every condition first, then applies all writes,
// so the transaction is all-or-nothing like the real service.
func (f *Fake) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TransactCalls++
	if err := f.takeFailure("transact", f.TransactCalls); err != nil {
		return nil, err
	}

	for _, it := range params.TransactItems {
		if p := it.Put; p != nil && p.ConditionExpression != nil {
			table := f.ensure(*p.TableName)
			key, err := keyOf(p.Item)
			if err != nil {
				return nil, err
			}
			var existing Item
			if cur, ok := table[key]; ok {
				existing = cur
			}
			if err := checkCondition(existing, *p.ConditionExpression, p.ExpressionAttributeValues); err != nil {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}

	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			table := f.ensure(*p.TableName)
			key, err := keyOf(p.Item)
			if err != nil {
				return nil, err
			}
			table[key] = p.Item
		}
		if u := it.Update; u != nil {
			table := f.ensure(*u.TableName)
			key, err := keyOf(u.Key)
			if err != nil {
				return nil, err
			}
			item, ok := table[key]
			if !ok {
				item = Item{}
				for k, v := range u.Key {
					item[k] = v
				}
			}
			if err := applyUpdate(item, &dyn.UpdateItemInput{
				UpdateExpression:          u.UpdateExpression,
				ExpressionAttributeNames:  u.ExpressionAttributeNames,
				ExpressionAttributeValues: u.ExpressionAttributeValues,
			}); err != nil {
				return nil, err
			}
			table[key] = item
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
