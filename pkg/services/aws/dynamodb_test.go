package aws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudemu/cloudemu/pkg/resource"
)

const ddb = "DynamoDB_20120810"

func createUsersTable(t *testing.T, f *fixture) {
	t.Helper()
	f.mustCall(ddb, "CreateTable", map[string]any{
		"TableName":            "users",
		"KeySchema":            []map[string]string{{"AttributeName": "id", "KeyType": "HASH"}},
		"AttributeDefinitions": []map[string]string{{"AttributeName": "id", "AttributeType": "S"}},
		"BillingMode":          "PAY_PER_REQUEST",
	})
}

func user(id, name string) map[string]any {
	return map[string]any{"id": map[string]string{"S": id}, "name": map[string]string{"S": name}}
}

func TestDynamoDB_TableLifecycle(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)

	code, out := f.call(ddb, "CreateTable", map[string]any{
		"TableName":            "users",
		"KeySchema":            []map[string]string{{"AttributeName": "id", "KeyType": "HASH"}},
		"AttributeDefinitions": []map[string]string{{"AttributeName": "id", "AttributeType": "S"}},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceInUseException", out["__type"])

	desc := f.mustCall(ddb, "DescribeTable", map[string]any{"TableName": "users"})["Table"].(map[string]any)
	assert.Equal(t, "ACTIVE", desc["TableStatus"])
	assert.Equal(t, "arn:aws:dynamodb:us-east-1:"+account+":table/users", desc["TableArn"])

	list := f.mustCall(ddb, "ListTables", map[string]any{})
	assert.Equal(t, []any{"users"}, list["TableNames"])

	f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("u1", "Ada")})
	f.mustCall(ddb, "DeleteTable", map[string]any{"TableName": "users"})

	code, out = f.call(ddb, "DescribeTable", map[string]any{"TableName": "users"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceNotFoundException", out["__type"])

	// Items do not survive their table.
	createUsersTable(t, f)
	got := f.mustCall(ddb, "GetItem", map[string]any{"TableName": "users", "Key": map[string]any{"id": map[string]string{"S": "u1"}}})
	assert.NotContains(t, got, "Item")
}

func TestDynamoDB_Items(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)
	key := map[string]any{"id": map[string]string{"S": "u1"}}

	f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("u1", "Ada")})
	got := f.mustCall(ddb, "GetItem", map[string]any{"TableName": "users", "Key": key})
	assert.Equal(t, "Ada", got["Item"].(map[string]any)["name"].(map[string]any)["S"])

	code, out := f.call(ddb, "PutItem", map[string]any{
		"TableName":           "users",
		"Item":                user("u1", "Grace"),
		"ConditionExpression": "attribute_not_exists(id)",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ConditionalCheckFailedException", out["__type"])

	old := f.mustCall(ddb, "PutItem", map[string]any{
		"TableName":    "users",
		"Item":         user("u1", "Grace"),
		"ReturnValues": "ALL_OLD",
	})
	assert.Equal(t, "Ada", old["Attributes"].(map[string]any)["name"].(map[string]any)["S"])

	code, out = f.call(ddb, "PutItem", map[string]any{
		"TableName":           "users",
		"Item":                user("u2", "Linus"),
		"ConditionExpression": "attribute_exists(id)",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ConditionalCheckFailedException", out["__type"])

	code, out = f.call(ddb, "PutItem", map[string]any{"TableName": "users", "Item": map[string]any{"name": map[string]string{"S": "x"}}})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ValidationException", out["__type"])

	f.mustCall(ddb, "DeleteItem", map[string]any{"TableName": "users", "Key": key})
	got = f.mustCall(ddb, "GetItem", map[string]any{"TableName": "users", "Key": key})
	assert.NotContains(t, got, "Item")

	// Deleting a missing item succeeds.
	f.mustCall(ddb, "DeleteItem", map[string]any{"TableName": "users", "Key": key})
}

func TestDynamoDB_ScanPages(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user(id, "n-"+id)})
	}

	var seen []string
	var start any
	for pages := 0; pages < 10; pages++ {
		in := map[string]any{"TableName": "users", "Limit": 2}
		if start != nil {
			in["ExclusiveStartKey"] = start
		}
		out := f.mustCall(ddb, "Scan", in)
		for _, it := range out["Items"].([]any) {
			seen = append(seen, it.(map[string]any)["id"].(map[string]any)["S"].(string))
		}
		start = out["LastEvaluatedKey"]
		if start == nil {
			break
		}
	}
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, seen)
}

func TestDynamoDB_DeleteItemReturnsOld(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)
	key := map[string]any{"id": map[string]string{"S": "u1"}}
	f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("u1", "Ada")})

	out := f.mustCall(ddb, "DeleteItem", map[string]any{"TableName": "users", "Key": key, "ReturnValues": "ALL_OLD"})
	assert.Equal(t, "Ada", out["Attributes"].(map[string]any)["name"].(map[string]any)["S"])

	out = f.mustCall(ddb, "DeleteItem", map[string]any{"TableName": "users", "Key": key, "ReturnValues": "ALL_OLD"})
	assert.NotContains(t, out, "Attributes")
}

// Each concurrent overwrite reports a distinct predecessor, so the old
// values chain every written value exactly once.
func TestDynamoDB_ConcurrentPutItemReturnsOld(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)
	f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("u1", "v0")})

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		olds []string
	)
	for i := 1; i <= writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(map[string]any{"TableName": "users", "Item": user("u1", fmt.Sprintf("v%d", i)), "ReturnValues": "ALL_OLD"})
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
			r.Header.Set("X-Amz-Target", ddb+".PutItem")
			r.Header.Set("Content-Type", "application/x-amz-json-1.0")
			rec := f.do(r)
			if !assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String()) {
				return
			}
			var out struct {
				Attributes map[string]map[string]string
			}
			if assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out)) {
				mu.Lock()
				olds = append(olds, out.Attributes["name"]["S"])
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got := f.mustCall(ddb, "GetItem", map[string]any{"TableName": "users", "Key": map[string]any{"id": map[string]string{"S": "u1"}}})
	final := got["Item"].(map[string]any)["name"].(map[string]any)["S"].(string)

	all := append(olds, final)
	want := make([]string, 0, writers+1)
	for i := 0; i <= writers; i++ {
		want = append(want, fmt.Sprintf("v%d", i))
	}
	assert.ElementsMatch(t, want, all)
}

func TestDynamoDB_PutItemDuringDeleteTable(t *testing.T) {
	f := newFixture(t)
	createUsersTable(t, f)

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := f.manager.Delete(context.Background(), resource.NewKey(resource.AWS, resource.KeyValue, "users"), func(*resource.Resource) error {
			close(inside)
			<-release
			return nil
		})
		done <- err
	}()
	<-inside

	code, out := f.call(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("late", "Late")})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceInUseException", out["__type"])

	close(release)
	require.NoError(t, <-done)

	createUsersTable(t, f)
	f.mustCall(ddb, "PutItem", map[string]any{"TableName": "users", "Item": user("u2", "Grace")})
	scan := f.mustCall(ddb, "Scan", map[string]any{"TableName": "users"})
	assert.Len(t, scan["Items"], 1, "no item written during the delete survives it")

	f.mustCall(ddb, "DeleteTable", map[string]any{"TableName": "users"})
	createUsersTable(t, f)
	scan = f.mustCall(ddb, "Scan", map[string]any{"TableName": "users"})
	assert.Empty(t, scan["Items"])
}
