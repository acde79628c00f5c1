package aws

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

// Queue attribute defaults.
const (
	defaultVisibility = 30
	defaultRetention  = 345600
	maxLongPoll       = 20 * time.Second
	pollInterval      = 100 * time.Millisecond
)

var (
	queueCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "QueueDoesNotExist", Status: 400, Message: "The specified queue does not exist."},
		AlreadyExists: apierror.Code{Name: "QueueAlreadyExists", Status: 400, Message: "A queue already exists with the same name and a different value for attribute(s)."},
	}
	errReceiptHandle = apierror.New("ReceiptHandleIsInvalid", 400, "The input receipt handle is invalid.")
	errNotVisible    = errors.New("message not visible")
)

// queueAttributes are the settable attributes and their defaults.
var queueAttributes = map[string]string{
	"VisibilityTimeout":             strconv.Itoa(defaultVisibility),
	"MessageRetentionPeriod":        strconv.Itoa(defaultRetention),
	"DelaySeconds":                  "0",
	"MaximumMessageSize":            "262144",
	"ReceiveMessageWaitTimeSeconds": "0",
}

func (s *Services) registerSQS(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.MessageQueue, protocol.WireJSON, services.Ops{
		"CreateQueue":             handler(sqsCreateQueue),
		"GetQueueUrl":             handler(sqsGetQueueURL),
		"GetQueueAttributes":      handler(sqsGetQueueAttributes),
		"ListQueues":              handler(sqsListQueues),
		"DeleteQueue":             handler(sqsDeleteQueue),
		"SendMessage":             handler(sqsSendMessage),
		"ReceiveMessage":          handler(sqsReceiveMessage),
		"DeleteMessage":           handler(sqsDeleteMessage),
		"ChangeMessageVisibility": handler(sqsChangeVisibility),
		"PurgeQueue":              handler(sqsPurgeQueue),
	})
}

func queueKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.MessageQueue, name)
}

func queueURL(rc *protocol.RequestContext, name string) string {
	return rc.BaseURL + "/" + rc.Account + "/" + name
}

// queueName accepts a queue URL or ARN and returns the queue name.
func queueName(ref string) string {
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Host != "" {
		ref = u.Path
	}
	ref = strings.TrimRight(ref, "/")
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func loadQueue(ctx context.Context, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	if err := services.Required("QueueUrl", ref); err != nil {
		return nil, err
	}
	name := queueName(ref)
	q, err := m.Get(ctx, queueKey(name))
	return q, queueCodes.Translate(err, name)
}

func queueInt(q *resource.Resource, attr string) int {
	n, err := strconv.Atoi(q.Meta("attr:" + attr))
	if err != nil {
		n, _ = strconv.Atoi(queueAttributes[attr])
	}
	return n
}

type createQueueInput struct {
	QueueName  string
	Attributes map[string]string
}

func sqsCreateQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *createQueueInput) (any, error) {
	if err := services.Required("QueueName", in.QueueName); err != nil {
		return nil, err
	}
	if len(in.QueueName) > 80 || strings.ContainsAny(in.QueueName, "/: ") {
		return nil, apierror.New("InvalidParameterValue", 400, "Can only include alphanumeric characters, hyphens, or underscores. 1 to 80 in length")
	}

	meta := map[string]string{"arn": arn(rc, "sqs", in.QueueName)}
	for k, def := range queueAttributes {
		meta["attr:"+k] = def
	}
	for k, v := range in.Attributes {
		if _, ok := queueAttributes[k]; ok {
			if _, err := strconv.Atoi(v); err != nil {
				return nil, apierror.New("InvalidAttributeValue", 400, "Invalid value for the parameter %s.", k)
			}
		}
		meta["attr:"+k] = v
	}

	_, err := m.Create(ctx, &resource.Resource{Key: queueKey(in.QueueName), Kind: "queue", Metadata: meta})
	if errors.Is(err, storage.ErrAlreadyExists) {
		// CreateQueue is idempotent when the attributes agree.
		existing, gerr := m.Get(ctx, queueKey(in.QueueName))
		if gerr != nil {
			return nil, queueCodes.Translate(gerr, in.QueueName)
		}
		for k, v := range in.Attributes {
			if existing.Meta("attr:"+k) != v {
				return nil, queueCodes.Translate(err, in.QueueName)
			}
		}
		err = nil
	}
	if err != nil {
		return nil, queueCodes.Translate(err, in.QueueName)
	}
	return map[string]string{"QueueUrl": queueURL(rc, in.QueueName)}, nil
}

type queueNameInput struct{ QueueName string }

func sqsGetQueueURL(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *queueNameInput) (any, error) {
	if _, err := loadQueue(ctx, m, in.QueueName); err != nil {
		return nil, err
	}
	return map[string]string{"QueueUrl": queueURL(rc, in.QueueName)}, nil
}

type queueAttrsInput struct {
	QueueUrl       string
	AttributeNames []string
}

func sqsGetQueueAttributes(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *queueAttrsInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	visible, inflight, err := countMessages(ctx, m, q.ID, time.Now())
	if err != nil {
		return nil, err
	}
	all := map[string]string{
		"QueueArn":                              q.Meta("arn"),
		"CreatedTimestamp":                      strconv.FormatInt(q.CreatedAt.Unix(), 10),
		"LastModifiedTimestamp":                 strconv.FormatInt(q.UpdatedAt.Unix(), 10),
		"ApproximateNumberOfMessages":           strconv.Itoa(visible),
		"ApproximateNumberOfMessagesNotVisible": strconv.Itoa(inflight),
	}
	for k, v := range q.Metadata {
		if name, ok := strings.CutPrefix(k, "attr:"); ok {
			all[name] = v
		}
	}

	want := in.AttributeNames
	if len(want) == 0 || (len(want) == 1 && want[0] == "All") {
		return map[string]any{"Attributes": all}, nil
	}
	out := map[string]string{}
	for _, name := range want {
		if v, ok := all[name]; ok {
			out[name] = v
		}
	}
	return map[string]any{"Attributes": out}, nil
}

func countMessages(ctx context.Context, m *lifecycle.Manager, queue string, now time.Time) (visible, inflight int, err error) {
	for msg, err := range m.List(ctx, storage.Filter{Provider: resource.AWS, Service: resource.MessageQueue, Parent: queue}) {
		if err != nil {
			return 0, 0, err
		}
		if visibleAt(msg).After(now) {
			inflight++
		} else {
			visible++
		}
	}
	return visible, inflight, nil
}

type listQueuesInput struct {
	QueueNamePrefix string
	MaxResults      int
	NextToken       string
}

func sqsListQueues(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listQueuesInput) (any, error) {
	f := storage.Filter{
		Provider: resource.AWS,
		Service:  resource.MessageQueue,
		Kind:     "queue",
		IDPrefix: in.QueueNamePrefix,
		Cursor:   in.NextToken,
		PageSize: 1000,
	}
	if in.MaxResults > 0 {
		f.PageSize = min(in.MaxResults, 1000)
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(page.Items))
	for _, q := range page.Items {
		urls = append(urls, queueURL(rc, q.ID))
	}
	out := map[string]any{"QueueUrls": urls}
	if page.NextCursor != "" && in.MaxResults > 0 {
		out["NextToken"] = page.NextCursor
	}
	return out, nil
}

type queueURLInput struct{ QueueUrl string }

func sqsDeleteQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *queueURLInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, q.Key, func(*resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.AWS, resource.MessageQueue, q.ID)
		return err
	})
	if err != nil {
		return nil, queueCodes.Translate(err, q.ID)
	}
	return nil, nil
}

func sqsPurgeQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *queueURLInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	if _, err := m.DeleteChildren(ctx, resource.AWS, resource.MessageQueue, q.ID); err != nil {
		return nil, err
	}
	return nil, nil
}

// messageAttribute is an SQS message attribute value.
type messageAttribute struct {
	DataType    string
	StringValue string `json:",omitempty"`
	BinaryValue []byte `json:",omitempty"`
}

type sendMessageInput struct {
	QueueUrl          string
	MessageBody       string
	DelaySeconds      *int
	MessageAttributes map[string]messageAttribute
}

func sqsSendMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *sendMessageInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	if in.MessageBody == "" {
		return nil, apierror.New("MissingParameter", 400, "The request must contain the parameter MessageBody.")
	}
	if len(in.MessageBody) > queueInt(q, "MaximumMessageSize") {
		return nil, apierror.New("InvalidParameterValue", 400, "One or more parameters are invalid. Reason: Message must be shorter than %d bytes.", queueInt(q, "MaximumMessageSize"))
	}
	delay := queueInt(q, "DelaySeconds")
	if in.DelaySeconds != nil {
		delay = *in.DelaySeconds
	}
	if delay < 0 || delay > 900 {
		return nil, apierror.New("InvalidParameterValue", 400, "Value %d for parameter DelaySeconds is invalid.", delay)
	}

	msgID, err := enqueue(ctx, m, q, in.MessageBody, in.MessageAttributes, time.Duration(delay)*time.Second)
	if err != nil {
		return nil, err
	}
	out := map[string]string{
		"MessageId":        msgID,
		"MD5OfMessageBody": services.MD5Hex([]byte(in.MessageBody)),
	}
	if len(in.MessageAttributes) > 0 {
		out["MD5OfMessageAttributes"] = attributesMD5(in.MessageAttributes)
	}
	return out, nil
}

// enqueue stores a message on q. SNS and EventBridge deliver through it.
func enqueue(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, body string, attrs map[string]messageAttribute, delay time.Duration) (string, error) {
	now := time.Now()
	msgID := id.Sortable()
	meta := map[string]string{
		"messageId":    msgID,
		"sentAt":       strconv.FormatInt(now.UnixMilli(), 10),
		"visibleAt":    strconv.FormatInt(now.Add(delay).UnixNano(), 10),
		"receiveCount": "0",
	}
	if len(attrs) > 0 {
		raw, err := json.Marshal(attrs)
		if err != nil {
			return "", err
		}
		meta["attributes"] = string(raw)
	}
	err := m.WithParent(ctx, q.Key, func(*resource.Resource) error {
		_, err := m.Create(ctx, &resource.Resource{
			Key:       queueKey(q.ID + "/" + msgID),
			Kind:      "message",
			Parent:    q.ID,
			Metadata:  meta,
			Content:   []byte(body),
			ExpiresAt: now.Add(time.Duration(queueInt(q, "MessageRetentionPeriod")) * time.Second),
		})
		return err
	})
	if err != nil {
		return "", queueCodes.Translate(err, q.ID)
	}
	return msgID, nil
}

// attributesMD5 computes MD5OfMessageAttributes as the SDKs verify it.
func attributesMD5(attrs map[string]messageAttribute) string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	field := func(b []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(b)))
		buf.Write(b)
	}
	for _, name := range names {
		a := attrs[name]
		field([]byte(name))
		field([]byte(a.DataType))
		if strings.HasPrefix(a.DataType, "Binary") {
			buf.WriteByte(2)
			field(a.BinaryValue)
		} else {
			buf.WriteByte(1)
			field([]byte(a.StringValue))
		}
	}
	sum := md5.Sum(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

func visibleAt(msg *resource.Resource) time.Time {
	n, _ := strconv.ParseInt(msg.Meta("visibleAt"), 10, 64)
	return time.Unix(0, n)
}

type receiveMessageInput struct {
	QueueUrl                    string
	MaxNumberOfMessages         int
	VisibilityTimeout           *int
	WaitTimeSeconds             *int
	AttributeNames              []string
	MessageSystemAttributeNames []string
	MessageAttributeNames       []string
}

type message struct {
	MessageId              string
	ReceiptHandle          string
	MD5OfBody              string
	Body                   string
	Attributes             map[string]string           `json:",omitempty"`
	MessageAttributes      map[string]messageAttribute `json:",omitempty"`
	MD5OfMessageAttributes string                      `json:",omitempty"`
}

func sqsReceiveMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *receiveMessageInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	limit := in.MaxNumberOfMessages
	if limit == 0 {
		limit = 1
	}
	if limit < 1 || limit > 10 {
		return nil, apierror.New("InvalidParameterValue", 400, "Value %d for parameter MaxNumberOfMessages is invalid. Reason: Must be between 1 and 10, if provided.", limit)
	}
	visibility := queueInt(q, "VisibilityTimeout")
	if in.VisibilityTimeout != nil {
		visibility = *in.VisibilityTimeout
	}
	wait := time.Duration(queueInt(q, "ReceiveMessageWaitTimeSeconds")) * time.Second
	if in.WaitTimeSeconds != nil {
		wait = time.Duration(*in.WaitTimeSeconds) * time.Second
	}
	deadline := time.Now().Add(min(wait, maxLongPoll))

	var msgs []message
	for {
		msgs, err = receive(ctx, m, q, limit, time.Duration(visibility)*time.Second)
		if err != nil || len(msgs) > 0 || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []message{}
	}
	return map[string]any{"Messages": msgs}, nil
}

// receive claims up to limit visible messages, hiding each for
// visibility. Messages claimed concurrently by another receiver are
// skipped.
func receive(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, limit int, visibility time.Duration) ([]message, error) {
	var candidates []*resource.Resource
	now := time.Now()
	for msg, err := range m.List(ctx, storage.Filter{Provider: resource.AWS, Service: resource.MessageQueue, Parent: q.ID}) {
		if err != nil {
			return nil, err
		}
		if !visibleAt(msg).After(now) {
			candidates = append(candidates, msg)
		}
	}

	var out []message
	for _, c := range candidates {
		if len(out) == limit {
			break
		}
		token := id.Hex(16)
		claimed, err := m.Mutate(ctx, c.Key, func(r *resource.Resource) error {
			if visibleAt(r).After(time.Now()) {
				return errNotVisible
			}
			count, _ := strconv.Atoi(r.Meta("receiveCount"))
			r.SetMeta("receiveCount", strconv.Itoa(count+1))
			r.SetMeta("visibleAt", strconv.FormatInt(time.Now().Add(visibility).UnixNano(), 10))
			r.SetMeta("receipt", token)
			if r.Meta("firstReceivedAt") == "" {
				r.SetMeta("firstReceivedAt", strconv.FormatInt(time.Now().UnixMilli(), 10))
			}
			return nil
		})
		if errors.Is(err, errNotVisible) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		_, body, err := m.ReadBlob(ctx, c.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		msg := message{
			MessageId:     claimed.Meta("messageId"),
			ReceiptHandle: receiptHandle(claimed.ID, token),
			MD5OfBody:     services.MD5Hex(body),
			Body:          string(body),
			Attributes: map[string]string{
				"SentTimestamp":                    claimed.Meta("sentAt"),
				"ApproximateReceiveCount":          claimed.Meta("receiveCount"),
				"ApproximateFirstReceiveTimestamp": claimed.Meta("firstReceivedAt"),
			},
		}
		if raw := claimed.Meta("attributes"); raw != "" {
			var attrs map[string]messageAttribute
			if err := json.Unmarshal([]byte(raw), &attrs); err == nil && len(attrs) > 0 {
				msg.MessageAttributes = attrs
				msg.MD5OfMessageAttributes = attributesMD5(attrs)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func receiptHandle(msgID, token string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(msgID + "#" + token))
}

// claim resolves a receipt handle to the message it was issued for.
func claim(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, handle string) (*resource.Resource, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(handle)
	if err != nil {
		return nil, "", errReceiptHandle
	}
	msgID, token, ok := strings.Cut(string(raw), "#")
	if !ok || !strings.HasPrefix(msgID, q.ID+"/") {
		return nil, "", errReceiptHandle
	}
	msg, err := m.Get(ctx, queueKey(msgID))
	if err != nil {
		return nil, "", err
	}
	return msg, token, nil
}

type deleteMessageInput struct {
	QueueUrl      string
	ReceiptHandle string
}

func sqsDeleteMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *deleteMessageInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	msg, token, err := claim(ctx, m, q, in.ReceiptHandle)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleting an already deleted message succeeds.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, msg.Key, func(r *resource.Resource) error {
		if r.Meta("receipt") != token {
			return errReceiptHandle
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

type changeVisibilityInput struct {
	QueueUrl          string
	ReceiptHandle     string
	VisibilityTimeout int
}

func sqsChangeVisibility(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *changeVisibilityInput) (any, error) {
	q, err := loadQueue(ctx, m, in.QueueUrl)
	if err != nil {
		return nil, err
	}
	if in.VisibilityTimeout < 0 || in.VisibilityTimeout > 43200 {
		return nil, apierror.New("InvalidParameterValue", 400, "Value %d for parameter VisibilityTimeout is invalid.", in.VisibilityTimeout)
	}
	msg, token, err := claim(ctx, m, q, in.ReceiptHandle)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errReceiptHandle
		}
		return nil, err
	}
	_, err = m.Mutate(ctx, msg.Key, func(r *resource.Resource) error {
		if r.Meta("receipt") != token {
			return errReceiptHandle
		}
		at := time.Now().Add(time.Duration(in.VisibilityTimeout) * time.Second)
		r.SetMeta("visibleAt", strconv.FormatInt(at.UnixNano(), 10))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("change visibility: %w", err)
	}
	return nil, nil
}
