package aws_test

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sqsTarget = "AmazonSQS"

func createQueue(t *testing.T, f *fixture, name string) string {
	t.Helper()
	out := f.mustCall(sqsTarget, "CreateQueue", map[string]any{"QueueName": name})
	return out["QueueUrl"].(string)
}

func receiveAll(t *testing.T, f *fixture, queueURL string) []map[string]any {
	t.Helper()
	out := f.mustCall(sqsTarget, "ReceiveMessage", map[string]any{"QueueUrl": queueURL, "MaxNumberOfMessages": 10})
	var msgs []map[string]any
	for _, m := range out["Messages"].([]any) {
		msgs = append(msgs, m.(map[string]any))
	}
	return msgs
}

func xmlDoc(t *testing.T, body []byte) *etree.Document {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	return doc
}

// xmlText returns the text of the first element matching path in body.
func xmlText(t *testing.T, body []byte, path string) string {
	t.Helper()
	el := xmlDoc(t, body).FindElement(path)
	require.NotNil(t, el, "no %s in %s", path, body)
	return el.Text()
}

func TestSQS_SendReceiveDelete(t *testing.T) {
	f := newFixture(t)
	qurl := createQueue(t, f, "jobs")
	assert.Equal(t, "http://example.com/"+account+"/jobs", qurl)

	sent := f.mustCall(sqsTarget, "SendMessage", map[string]any{
		"QueueUrl":    qurl,
		"MessageBody": "hello",
		"MessageAttributes": map[string]any{
			"kind": map[string]string{"DataType": "String", "StringValue": "greeting"},
		},
	})
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", sent["MD5OfMessageBody"])
	assert.NotEmpty(t, sent["MD5OfMessageAttributes"])

	msgs := receiveAll(t, f, qurl)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0]["Body"])
	assert.Equal(t, sent["MessageId"], msgs[0]["MessageId"])
	assert.Equal(t, sent["MD5OfMessageAttributes"], msgs[0]["MD5OfMessageAttributes"])

	// In flight messages are hidden from other receivers.
	assert.Empty(t, receiveAll(t, f, qurl))

	attrs := f.mustCall(sqsTarget, "GetQueueAttributes", map[string]any{"QueueUrl": qurl, "AttributeNames": []string{"All"}})
	assert.Equal(t, "1", attrs["Attributes"].(map[string]any)["ApproximateNumberOfMessagesNotVisible"])

	f.mustCall(sqsTarget, "DeleteMessage", map[string]any{"QueueUrl": qurl, "ReceiptHandle": msgs[0]["ReceiptHandle"]})
	attrs = f.mustCall(sqsTarget, "GetQueueAttributes", map[string]any{"QueueUrl": qurl, "AttributeNames": []string{"All"}})
	assert.Equal(t, "0", attrs["Attributes"].(map[string]any)["ApproximateNumberOfMessagesNotVisible"])
}

func TestSQS_VisibilityAndReceipts(t *testing.T) {
	f := newFixture(t)
	qurl := createQueue(t, f, "work")
	f.mustCall(sqsTarget, "SendMessage", map[string]any{"QueueUrl": qurl, "MessageBody": "task"})

	first := receiveAll(t, f, qurl)
	require.Len(t, first, 1)
	f.mustCall(sqsTarget, "ChangeMessageVisibility", map[string]any{
		"QueueUrl": qurl, "ReceiptHandle": first[0]["ReceiptHandle"], "VisibilityTimeout": 0,
	})

	second := receiveAll(t, f, qurl)
	require.Len(t, second, 1)
	assert.Equal(t, "2", second[0]["Attributes"].(map[string]any)["ApproximateReceiveCount"])

	// The first receipt was superseded by the second receive.
	code, out := f.call(sqsTarget, "DeleteMessage", map[string]any{"QueueUrl": qurl, "ReceiptHandle": first[0]["ReceiptHandle"]})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ReceiptHandleIsInvalid", out["__type"])

	code, out = f.call(sqsTarget, "DeleteMessage", map[string]any{"QueueUrl": qurl, "ReceiptHandle": "not-a-handle"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ReceiptHandleIsInvalid", out["__type"])

	f.mustCall(sqsTarget, "DeleteMessage", map[string]any{"QueueUrl": qurl, "ReceiptHandle": second[0]["ReceiptHandle"]})
}

func TestSQS_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		op   string
		in   map[string]any
		code string
	}{
		{"missing queue", "SendMessage", map[string]any{"QueueUrl": "http://example.com/" + account + "/nope", "MessageBody": "x"}, "QueueDoesNotExist"},
		{"bad queue name", "CreateQueue", map[string]any{"QueueName": "a/b"}, "InvalidParameterValue"},
		{"too many messages", "ReceiveMessage", map[string]any{"QueueUrl": "q", "MaxNumberOfMessages": 11}, "InvalidParameterValue"},
	}
	createQueue(t, f, "q")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out := f.call(sqsTarget, tt.op, tt.in)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.code, out["__type"])
		})
	}
}

func TestSNS_PublishToSQS(t *testing.T) {
	f := newFixture(t)
	rawURL := createQueue(t, f, "raw")
	envURL := createQueue(t, f, "enveloped")
	queueArn := func(name string) string { return "arn:aws:sqs:us-east-1:" + account + ":" + name }

	rec := f.query(url.Values{"Action": {"CreateTopic"}, "Name": {"orders"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	topicArn := xmlText(t, rec.Body.Bytes(), "//TopicArn")
	assert.Equal(t, "arn:aws:sns:us-east-1:"+account+":orders", topicArn)

	rec = f.query(url.Values{
		"Action":                   {"Subscribe"},
		"TopicArn":                 {topicArn},
		"Protocol":                 {"sqs"},
		"Endpoint":                 {queueArn("raw")},
		"Attributes.entry.1.key":   {"RawMessageDelivery"},
		"Attributes.entry.1.value": {"true"},
		"Attributes.entry.2.key":   {"FilterPolicy"},
		"Attributes.entry.2.value": {`{"region":["eu"]}`},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.query(url.Values{"Action": {"Subscribe"}, "TopicArn": {topicArn}, "Protocol": {"sqs"}, "Endpoint": {queueArn("enveloped")}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	publish := func(region string) string {
		rec := f.query(url.Values{
			"Action":                                                                        {"Publish"},
			"TopicArn":                                                                    {topicArn},
			"Message":                                                                      {"order for " + region},
			"Subject":                                                                      {"new order"},
			"MessageAttributes.entry.1.Name":                        {"region"},
			"MessageAttributes.entry.1.Value.DataType":    {"String"},
			"MessageAttributes.entry.1.Value.StringValue": {region},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return xmlText(t, rec.Body.Bytes(), "//MessageId")
	}
	publish("us")
	msgID := publish("eu")

	raw := receiveAll(t, f, rawURL)
	require.Len(t, raw, 1, "the filter policy drops the us order")
	assert.Equal(t, "order for eu", raw[0]["Body"])
	assert.Equal(t, "eu", raw[0]["MessageAttributes"].(map[string]any)["region"].(map[string]any)["StringValue"])

	wrapped := receiveAll(t, f, envURL)
	require.Len(t, wrapped, 2)
	var env map[string]any
	for _, m := range wrapped {
		var e map[string]any
		require.NoError(t, json.Unmarshal([]byte(m["Body"].(string)), &e))
		if e["MessageId"] == msgID {
			env = e
		}
	}
	require.NotNil(t, env)
	assert.Equal(t, "Notification", env["Type"])
	assert.Equal(t, topicArn, env["TopicArn"])
	assert.Equal(t, "order for eu", env["Message"])
	assert.Equal(t, "new order", env["Subject"])
}

func TestSNS_Errors(t *testing.T) {
	f := newFixture(t)

	rec := f.query(url.Values{"Action": {"Publish"}, "TopicArn": {"arn:aws:sns:us-east-1:" + account + ":missing"}, "Message": {"x"}})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", xmlText(t, rec.Body.Bytes(), "//Code"))

	rec = f.query(url.Values{"Action": {"CreateTopic"}, "Name": {"t"}})
	require.Equal(t, http.StatusOK, rec.Code)
	topicArn := xmlText(t, rec.Body.Bytes(), "//TopicArn")

	rec = f.query(url.Values{"Action": {"Subscribe"}, "TopicArn": {topicArn}, "Protocol": {"sqs"}, "Endpoint": {"arn:aws:sqs:us-east-1:" + account + ":nope"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidParameter", xmlText(t, rec.Body.Bytes(), "//Code"))
}
