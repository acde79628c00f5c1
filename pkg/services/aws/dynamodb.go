package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

var (
	tableCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "ResourceNotFoundException", Status: 400, Message: "Requested resource not found"},
		AlreadyExists: apierror.Code{Name: "ResourceInUseException", Status: 400, Message: "Table already exists"},
		Busy:          apierror.Code{Name: "ResourceInUseException", Status: 400, Message: "Attempt to change a resource which is still in use"},
	}
	errConditionFailed = apierror.New("ConditionalCheckFailedException", 400, "The conditional request failed")

	conditionRE = regexp.MustCompile(`^\s*attribute_(not_exists|exists)\s*\(\s*(#?[\w.]+)\s*\)\s*$`)
)

type item = map[string]json.RawMessage

type keyElem struct {
	AttributeName string
	KeyType       string
}

type attrDef struct {
	AttributeName string
	AttributeType string
}

type throughput struct {
	ReadCapacityUnits  int64
	WriteCapacityUnits int64
}

type tableSpec struct {
	KeySchema             []keyElem
	AttributeDefinitions  []attrDef
	ProvisionedThroughput *throughput `json:",omitempty"`
	BillingMode           string      `json:",omitempty"`
}

type tableDescription struct {
	TableName             string
	TableArn              string
	TableStatus           string
	KeySchema             []keyElem
	AttributeDefinitions  []attrDef
	ProvisionedThroughput *throughput        `json:",omitempty"`
	BillingModeSummary    *billingModeSummary `json:",omitempty"`
	CreationDateTime      float64
	ItemCount             int
}

type billingModeSummary struct{ BillingMode string }

func (s *Services) registerDynamoDB(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.KeyValue, protocol.WireJSON, services.Ops{
		"CreateTable":   handler(ddbCreateTable),
		"DescribeTable": handler(ddbDescribeTable),
		"ListTables":    handler(ddbListTables),
		"UpdateTable":   handler(ddbUpdateTable),
		"DeleteTable":   handler(ddbDeleteTable),
		"PutItem":       handler(ddbPutItem),
		"GetItem":       handler(ddbGetItem),
		"DeleteItem":    handler(ddbDeleteItem),
		"Scan":          handler(ddbScan),
	})
}

func loadTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, name string) (*resource.Resource, *tableSpec, error) {
	if err := services.Required("TableName", name); err != nil {
		return nil, nil, err
	}
	t, content, err := m.ReadBlob(ctx, rc.Key(name))
	if err != nil {
		return nil, nil, tableCodes.Translate(err, name)
	}
	var spec tableSpec
	if err := json.Unmarshal(content, &spec); err != nil {
		return nil, nil, fmt.Errorf("decode table %s: %w", name, err)
	}
	return t, &spec, nil
}

func describeTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, t *resource.Resource, spec *tableSpec, status string) (*tableDescription, error) {
	n, err := services.Children(ctx, m, resource.AWS, resource.KeyValue, t.ID)
	if err != nil {
		return nil, err
	}
	d := &tableDescription{
		TableName:             t.ID,
		TableArn:              arn(rc, "dynamodb", "table/"+t.ID),
		TableStatus:           status,
		KeySchema:             spec.KeySchema,
		AttributeDefinitions:  spec.AttributeDefinitions,
		ProvisionedThroughput: spec.ProvisionedThroughput,
		CreationDateTime:      epoch(t.CreatedAt),
		ItemCount:             n,
	}
	if spec.BillingMode != "" {
		d.BillingModeSummary = &billingModeSummary{BillingMode: spec.BillingMode}
	}
	return d, nil
}

func tableStatus(t *resource.Resource) string {
	if t.State == resource.StateUpdating {
		return "UPDATING"
	}
	return "ACTIVE"
}

type createTableInput struct {
	TableName string
	tableSpec
}

func ddbCreateTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *createTableInput) (any, error) {
	if err := services.Required("TableName", in.TableName); err != nil {
		return nil, err
	}
	hash, rng, err := keyNames(in.KeySchema)
	if err != nil {
		return nil, err
	}
	defined := map[string]bool{}
	for _, d := range in.AttributeDefinitions {
		defined[d.AttributeName] = true
	}
	for _, k := range in.KeySchema {
		if !defined[k.AttributeName] {
			return nil, apierror.Validation("One or more parameter values were invalid: Some index key attributes are not defined in AttributeDefinitions.")
		}
	}
	if in.BillingMode == "" && in.ProvisionedThroughput == nil {
		in.BillingMode = "PROVISIONED"
		in.ProvisionedThroughput = &throughput{ReadCapacityUnits: 5, WriteCapacityUnits: 5}
	}

	content, err := json.Marshal(in.tableSpec)
	if err != nil {
		return nil, err
	}
	t, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(in.TableName),
		Kind:     "table",
		Metadata: map[string]string{"hashKey": hash, "rangeKey": rng},
		Content:  content,
	})
	if err != nil {
		return nil, tableCodes.Translate(err, in.TableName)
	}
	d, err := describeTable(ctx, rc, m, t, &in.tableSpec, "ACTIVE")
	if err != nil {
		return nil, err
	}
	return map[string]any{"TableDescription": d}, nil
}

func keyNames(schema []keyElem) (hash, rng string, err error) {
	for _, k := range schema {
		switch k.KeyType {
		case "HASH":
			hash = k.AttributeName
		case "RANGE":
			rng = k.AttributeName
		default:
			return "", "", apierror.Validation("Invalid KeyType %q.", k.KeyType)
		}
	}
	if hash == "" || len(schema) > 2 {
		return "", "", apierror.Validation("1 validation error detected: KeySchema must contain exactly one HASH key and at most one RANGE key.")
	}
	return hash, rng, nil
}

type tableNameInput struct{ TableName string }

func ddbDescribeTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *tableNameInput) (any, error) {
	t, spec, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	d, err := describeTable(ctx, rc, m, t, spec, tableStatus(t))
	if err != nil {
		return nil, err
	}
	return map[string]any{"Table": d}, nil
}

type listTablesInput struct {
	ExclusiveStartTableName string
	Limit                   int
}

func ddbListTables(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listTablesInput) (any, error) {
	limit := in.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	f := storage.Filter{Provider: resource.AWS, Service: resource.KeyValue, Kind: "table", PageSize: limit}
	if in.ExclusiveStartTableName != "" {
		f.Cursor = storage.CursorAfter(rc.Key(in.ExclusiveStartTableName))
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	names := make([]string, 0, len(page.Items))
	for _, t := range page.Items {
		names = append(names, t.ID)
	}
	out["TableNames"] = names
	if page.NextCursor != "" && len(names) > 0 {
		out["LastEvaluatedTableName"] = names[len(names)-1]
	}
	return out, nil
}

type updateTableInput struct {
	TableName             string
	ProvisionedThroughput *throughput
	BillingMode           string
}

// ddbUpdateTable holds the table in UPDATING while the new settings are
// applied; concurrent updates fail with ResourceInUseException.
func ddbUpdateTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *updateTableInput) (any, error) {
	if _, _, err := loadTable(ctx, rc, m, in.TableName); err != nil {
		return nil, err
	}
	var spec tableSpec
	t, err := m.MutateExclusive(ctx, rc.Key(in.TableName), func(ctx context.Context, r *resource.Resource) error {
		content, err := m.Engine().ReadBlob(ctx, r.Key)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(content, &spec); err != nil {
			return err
		}
		if in.BillingMode != "" {
			spec.BillingMode = in.BillingMode
			if in.BillingMode == "PAY_PER_REQUEST" {
				spec.ProvisionedThroughput = nil
			}
		}
		if in.ProvisionedThroughput != nil {
			spec.ProvisionedThroughput = in.ProvisionedThroughput
		}
		r.Content, err = json.Marshal(spec)
		return err
	})
	if err != nil {
		return nil, tableCodes.Translate(err, in.TableName)
	}
	d, err := describeTable(ctx, rc, m, t, &spec, "ACTIVE")
	if err != nil {
		return nil, err
	}
	return map[string]any{"TableDescription": d}, nil
}

func ddbDeleteTable(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *tableNameInput) (any, error) {
	t, spec, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	d, err := describeTable(ctx, rc, m, t, spec, "DELETING")
	if err != nil {
		return nil, err
	}
	// Items go while the table is Deleting, so a table re-created right
	// after the delete starts empty and keeps whatever is written to it.
	_, err = m.Delete(ctx, t.Key, func(*resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.AWS, resource.KeyValue, t.ID)
		return err
	})
	if err != nil {
		return nil, tableCodes.Translate(err, in.TableName)
	}
	return map[string]any{"TableDescription": d}, nil
}

// itemID derives an item's resource id from its key attributes.
func itemID(t *resource.Resource, key item) (string, error) {
	parts := []string{t.ID}
	for _, name := range []string{t.Meta("hashKey"), t.Meta("rangeKey")} {
		if name == "" {
			continue
		}
		v, ok := key[name]
		if !ok {
			return "", apierror.Validation("One of the required keys was not given a value")
		}
		s, err := scalar(v)
		if err != nil {
			return "", err
		}
		parts = append(parts, url.PathEscape(s))
	}
	return strings.Join(parts, "/"), nil
}

// scalar renders an S, N or B attribute value as a string.
func scalar(raw json.RawMessage) (string, error) {
	var av map[string]any
	if err := json.Unmarshal(raw, &av); err != nil || len(av) != 1 {
		return "", apierror.Validation("One or more parameter values were invalid: invalid key attribute value")
	}
	for typ, v := range av {
		s, ok := v.(string)
		if !ok || (typ != "S" && typ != "N" && typ != "B") {
			return "", apierror.Validation("One or more parameter values were invalid: key attributes must be scalars")
		}
		return typ + ":" + s, nil
	}
	return "", nil
}

func keyOf(t *resource.Resource, it item) item {
	k := item{}
	for _, name := range []string{t.Meta("hashKey"), t.Meta("rangeKey")} {
		if v, ok := it[name]; ok && name != "" {
			k[name] = v
		}
	}
	return k
}

func decodeItem(content []byte) (item, error) {
	var it item
	if err := json.Unmarshal(content, &it); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return it, nil
}

type putItemInput struct {
	TableName                string
	Item                     item
	ConditionExpression      string
	ExpressionAttributeNames map[string]string
	ReturnValues             string
}

// condition parses the supported condition expressions:
// attribute_not_exists(name) and attribute_exists(name).
func condition(expr string, names map[string]string) (mustExist, mustNotExist bool, err error) {
	if expr == "" {
		return false, false, nil
	}
	sub := conditionRE.FindStringSubmatch(expr)
	if sub == nil {
		return false, false, apierror.Validation("Unsupported ConditionExpression: %s", expr)
	}
	if strings.HasPrefix(sub[2], "#") {
		if _, ok := names[sub[2]]; !ok {
			return false, false, apierror.Validation("An expression attribute name used in the document path is not defined; attribute name: %s", sub[2])
		}
	}
	return sub[1] == "exists", sub[1] == "not_exists", nil
}

func ddbPutItem(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *putItemInput) (any, error) {
	t, _, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	mustExist, mustNotExist, err := condition(in.ConditionExpression, in.ExpressionAttributeNames)
	if err != nil {
		return nil, err
	}
	id, err := itemID(t, in.Item)
	if err != nil {
		return nil, err
	}
	content, err := json.Marshal(in.Item)
	if err != nil {
		return nil, err
	}

	// The previous item is read under the item's lock, and the write holds
	// the table so that DeleteTable cannot miss it.
	var prev []byte
	rec := &resource.Resource{Key: rc.Key(id), Kind: "item", Parent: t.ID, Content: content}
	err = m.WithParent(ctx, t.Key, func(*resource.Resource) error {
		var err error
		switch {
		case mustNotExist:
			_, err = m.Create(ctx, rec)
			if errors.Is(err, storage.ErrAlreadyExists) {
				return errConditionFailed
			}
		case mustExist:
			_, err = m.Mutate(ctx, rec.Key, func(r *resource.Resource) error {
				if in.ReturnValues == "ALL_OLD" {
					var err error
					if prev, err = m.Engine().ReadBlob(ctx, r.Key); err != nil {
						return err
					}
				}
				r.Content = content
				return nil
			})
			if errors.Is(err, storage.ErrNotFound) {
				return errConditionFailed
			}
		case in.ReturnValues == "ALL_OLD":
			_, prev, err = m.Replace(ctx, rec)
		default:
			_, err = m.Upsert(ctx, rec)
		}
		return err
	})
	if err != nil {
		return nil, tableCodes.Translate(err, in.TableName)
	}

	out := map[string]any{}
	if prev != nil {
		old, err := decodeItem(prev)
		if err != nil {
			return nil, err
		}
		out["Attributes"] = old
	}
	return out, nil
}

type keyInput struct {
	TableName    string
	Key          item
	ReturnValues string
}

func ddbGetItem(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *keyInput) (any, error) {
	t, _, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	id, err := itemID(t, in.Key)
	if err != nil {
		return nil, err
	}
	_, content, err := m.ReadBlob(ctx, rc.Key(id))
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	it, err := decodeItem(content)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Item": it}, nil
}

func ddbDeleteItem(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *keyInput) (any, error) {
	t, _, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	id, err := itemID(t, in.Key)
	if err != nil {
		return nil, err
	}
	// A Deleting item accepts no writes, so its content read in the check
	// is the value being removed.
	var prev []byte
	_, err = m.Delete(ctx, rc.Key(id), func(r *resource.Resource) error {
		if in.ReturnValues != "ALL_OLD" {
			return nil
		}
		var err error
		prev, err = m.Engine().ReadBlob(ctx, r.Key)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	out := map[string]any{}
	if prev != nil {
		old, err := decodeItem(prev)
		if err != nil {
			return nil, err
		}
		out["Attributes"] = old
	}
	return out, nil
}

type scanInput struct {
	TableName         string
	Limit             int
	ExclusiveStartKey item
}

func ddbScan(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *scanInput) (any, error) {
	t, _, err := loadTable(ctx, rc, m, in.TableName)
	if err != nil {
		return nil, err
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 1000
	}
	f := storage.Filter{Provider: resource.AWS, Service: resource.KeyValue, Parent: t.ID, PageSize: limit}
	if len(in.ExclusiveStartKey) > 0 {
		id, err := itemID(t, in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		f.Cursor = storage.CursorAfter(rc.Key(id))
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}

	items := make([]item, 0, len(page.Items))
	for _, r := range page.Items {
		_, content, err := m.ReadBlob(ctx, r.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		it, err := decodeItem(content)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}

	out := map[string]any{"Items": items, "Count": len(items), "ScannedCount": len(items)}
	if page.NextCursor != "" && len(items) > 0 {
		out["LastEvaluatedKey"] = keyOf(t, items[len(items)-1])
	}
	return out, nil
}
