package aws_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventsTarget = "AWSEvents"

func putOrder(t *testing.T, f *fixture, status string) map[string]any {
	t.Helper()
	detail, err := json.Marshal(map[string]any{"orderId": "o-" + status, "status": status})
	require.NoError(t, err)
	return f.mustCall(eventsTarget, "PutEvents", map[string]any{"Entries": []map[string]any{{
		"Source":     "shop.orders",
		"DetailType": "OrderChanged",
		"Detail":     string(detail),
	}}})
}

func TestEvents_RuleToQueue(t *testing.T) {
	f := newFixture(t)
	whole := createQueue(t, f, "all-orders")
	ids := createQueue(t, f, "order-ids")

	rule := f.mustCall(eventsTarget, "PutRule", map[string]any{
		"Name":         "shipped",
		"EventPattern": `{"source":["shop.orders"],"detail":{"status":["shipped"]}}`,
	})
	assert.Equal(t, "arn:aws:events:us-east-1:"+account+":rule/shipped", rule["RuleArn"])

	put := f.mustCall(eventsTarget, "PutTargets", map[string]any{
		"Rule": "shipped",
		"Targets": []map[string]string{
			{"Id": "whole", "Arn": "arn:aws:sqs:us-east-1:" + account + ":all-orders"},
			{"Id": "ids", "Arn": "arn:aws:sqs:us-east-1:" + account + ":order-ids", "InputPath": "$.detail.orderId"},
			{"Id": "bad", "Arn": "arn:aws:sqs:us-east-1:" + account + ":x", "Input": "{}", "InputPath": "$.id"},
		},
	})
	assert.EqualValues(t, 1, put["FailedEntryCount"])

	out := putOrder(t, f, "pending")
	assert.EqualValues(t, 0, out["FailedEntryCount"])
	out = putOrder(t, f, "shipped")
	assert.EqualValues(t, 0, out["FailedEntryCount"])

	msgs := receiveAll(t, f, whole)
	require.Len(t, msgs, 1)
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(msgs[0]["Body"].(string)), &event))
	assert.Equal(t, "shop.orders", event["source"])
	assert.Equal(t, "OrderChanged", event["detail-type"])
	assert.Equal(t, account, event["account"])
	assert.Equal(t, "shipped", event["detail"].(map[string]any)["status"])

	msgs = receiveAll(t, f, ids)
	require.Len(t, msgs, 1)
	assert.Equal(t, `"o-shipped"`, msgs[0]["Body"])

	// Disabled rules do not match.
	f.mustCall(eventsTarget, "DisableRule", map[string]any{"Name": "shipped"})
	putOrder(t, f, "shipped")
	assert.Empty(t, receiveAll(t, f, ids))

	code, resp := f.call(eventsTarget, "DeleteRule", map[string]any{"Name": "shipped"})
	assert.Equal(t, http.StatusBadRequest, code, "rules with targets cannot be deleted")
	assert.NotEmpty(t, resp["__type"])

	f.mustCall(eventsTarget, "RemoveTargets", map[string]any{"Rule": "shipped", "Ids": []string{"whole", "ids"}})
	f.mustCall(eventsTarget, "DeleteRule", map[string]any{"Name": "shipped"})
}

func TestEvents_PutEventsErrors(t *testing.T) {
	f := newFixture(t)
	out := f.mustCall(eventsTarget, "PutEvents", map[string]any{"Entries": []map[string]any{
		{"Source": "a", "DetailType": "b", "Detail": "{not json"},
		{"Source": "a", "DetailType": "b"},
		{"Source": "a", "DetailType": "b", "Detail": "{}", "EventBusName": "missing"},
		{"Source": "a", "DetailType": "b", "Detail": "{}"},
	}})
	assert.EqualValues(t, 3, out["FailedEntryCount"])
	entries := out["Entries"].([]any)
	require.Len(t, entries, 4)
	codes := make([]any, 0, 4)
	for _, e := range entries {
		codes = append(codes, e.(map[string]any)["ErrorCode"])
	}
	assert.Equal(t, []any{"MalformedDetail", "InvalidArgument", "ResourceNotFoundException", nil}, codes)
	assert.NotEmpty(t, entries[3].(map[string]any)["EventId"])
}

func TestEvents_TestEventPattern(t *testing.T) {
	f := newFixture(t)
	event := `{"id":"1","source":"shop.orders","detail-type":"x","account":"1","time":"2024-01-01T00:00:00Z","region":"us-east-1","resources":[],"detail":{"total":120}}`
	tests := []struct {
		pattern string
		want    bool
	}{
		{`{"source":["shop.orders"]}`, true},
		{`{"source":["shop.users"]}`, false},
		{`{"detail":{"total":[{"numeric":[">",100]}]}}`, true},
		{`{"detail":{"total":[{"numeric":["<",100]}]}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			out := f.mustCall(eventsTarget, "TestEventPattern", map[string]any{"EventPattern": tt.pattern, "Event": event})
			assert.Equal(t, tt.want, out["Result"])
		})
	}

	code, out := f.call(eventsTarget, "PutRule", map[string]any{"Name": "bad", "EventPattern": `{"source":"not-an-array"}`})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidEventPatternException", out["__type"])
}

func TestEvents_Buses(t *testing.T) {
	f := newFixture(t)
	f.mustCall(eventsTarget, "CreateEventBus", map[string]any{"Name": "payments"})
	code, out := f.call(eventsTarget, "CreateEventBus", map[string]any{"Name": "payments"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceAlreadyExistsException", out["__type"])

	list := f.mustCall(eventsTarget, "ListEventBuses", map[string]any{})
	var names []string
	for _, b := range list["EventBuses"].([]any) {
		names = append(names, b.(map[string]any)["Name"].(string))
	}
	assert.ElementsMatch(t, []string{"default", "payments"}, names)

	f.mustCall(eventsTarget, "DeleteEventBus", map[string]any{"Name": "payments"})
	code, out = f.call(eventsTarget, "DescribeEventBus", map[string]any{"Name": "payments"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ResourceNotFoundException", out["__type"])
}
