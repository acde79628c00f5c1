package aws

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/internal/matching"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const snsNamespace = "http://sns.amazonaws.com/doc/2010-03-31/"

var snsActions = []string{
	"CreateTopic", "ListTopics", "DeleteTopic", "GetTopicAttributes",
	"Subscribe", "Unsubscribe", "ListSubscriptions", "ListSubscriptionsByTopic",
	"SetSubscriptionAttributes", "Publish",
}

var topicCodes = apierror.Codes{
	NotFound: apierror.Code{Name: "NotFound", Status: 404, Message: "Topic does not exist"},
}

func (s *Services) registerSNS(b *protocol.RegistryBuilder) error {
	h := func(fn func(context.Context, *protocol.RequestContext, *lifecycle.Manager, url.Values, *etree.Element) error) protocol.HandlerFunc {
		return queryHandler(snsNamespace, fn)
	}
	return services.Register(b, resource.AWS, resource.PubSub, protocol.WireQuery, services.Ops{
		"CreateTopic":               h(snsCreateTopic),
		"ListTopics":                h(snsListTopics),
		"DeleteTopic":               h(snsDeleteTopic),
		"GetTopicAttributes":        h(snsGetTopicAttributes),
		"Subscribe":                 h(snsSubscribe),
		"Unsubscribe":               h(snsUnsubscribe),
		"ListSubscriptions":         h(snsListSubscriptions),
		"ListSubscriptionsByTopic":  h(snsListSubscriptions),
		"SetSubscriptionAttributes": h(snsSetSubscriptionAttributes),
		"Publish":                   h(s.snsPublish),
	})
}

func topicKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.PubSub, name)
}

func loadTopic(ctx context.Context, m *lifecycle.Manager, topicArn string) (*resource.Resource, error) {
	if err := services.Required("TopicArn", topicArn); err != nil {
		return nil, err
	}
	name := arnName(topicArn)
	t, err := m.Get(ctx, topicKey(name))
	return t, topicCodes.Translate(err, topicArn)
}

func snsCreateTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	name := form.Get("Name")
	if err := services.Required("Name", name); err != nil {
		return err
	}
	if len(name) > 256 || strings.ContainsAny(name, ":/ ") {
		return apierror.New("InvalidParameter", 400, "Invalid parameter: Topic Name")
	}
	topicArn := arn(rc, "sns", name)
	_, err := m.Create(ctx, &resource.Resource{
		Key:      topicKey(name),
		Kind:     "topic",
		Metadata: map[string]string{"arn": topicArn},
	})
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return err
	}
	result.CreateElement("TopicArn").SetText(topicArn)
	return nil
}

func snsListTopics(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.PubSub, Kind: "topic",
		Cursor: form.Get("NextToken"), PageSize: 100,
	})
	if err != nil {
		return err
	}
	list := result.CreateElement("Topics")
	for _, t := range page.Items {
		list.CreateElement("member").CreateElement("TopicArn").SetText(t.Meta("arn"))
	}
	if page.NextCursor != "" {
		result.CreateElement("NextToken").SetText(page.NextCursor)
	}
	return nil
}

func snsDeleteTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, _ *etree.Element) error {
	name := arnName(form.Get("TopicArn"))
	_, err := m.Delete(ctx, topicKey(name), func(*resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.AWS, resource.PubSub, name)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func snsGetTopicAttributes(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	t, err := loadTopic(ctx, m, form.Get("TopicArn"))
	if err != nil {
		return err
	}
	n, err := services.Children(ctx, m, resource.AWS, resource.PubSub, t.ID)
	if err != nil {
		return err
	}
	attrs := result.CreateElement("Attributes")
	for _, kv := range [][2]string{
		{"TopicArn", t.Meta("arn")},
		{"Owner", rc.Account},
		{"DisplayName", t.Meta("displayName")},
		{"SubscriptionsConfirmed", strconv.Itoa(n)},
		{"SubscriptionsPending", "0"},
		{"SubscriptionsDeleted", "0"},
	} {
		e := attrs.CreateElement("entry")
		e.CreateElement("key").SetText(kv[0])
		e.CreateElement("value").SetText(kv[1])
	}
	return nil
}

func snsSubscribe(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	t, err := loadTopic(ctx, m, form.Get("TopicArn"))
	if err != nil {
		return err
	}
	proto, endpoint := form.Get("Protocol"), form.Get("Endpoint")
	if err := services.Required("Protocol", proto); err != nil {
		return err
	}
	if proto == "sqs" {
		if _, err := m.Get(ctx, queueKey(queueName(endpoint))); err != nil {
			return apierror.New("InvalidParameter", 400, "Invalid parameter: SQS endpoint ARN")
		}
	}

	meta := map[string]string{"protocol": proto, "endpoint": endpoint}
	attrs := entries(form, "Attributes", "key", "value")
	if err := subscriptionAttributes(meta, attrs); err != nil {
		return err
	}
	subID := id.UUID()
	subArn := t.Meta("arn") + ":" + subID
	meta["arn"] = subArn
	err = m.WithParent(ctx, t.Key, func(*resource.Resource) error {
		_, err := m.Create(ctx, &resource.Resource{
			Key:      topicKey(t.ID + "/" + subID),
			Kind:     "subscription",
			Parent:   t.ID,
			Metadata: meta,
		})
		return err
	})
	if err != nil {
		return topicCodes.Translate(err, t.ID)
	}
	result.CreateElement("SubscriptionArn").SetText(subArn)
	return nil
}

func subscriptionAttributes(meta, attrs map[string]string) error {
	for k, v := range attrs {
		switch k {
		case "FilterPolicy":
			if v != "" {
				if _, err := matching.ParsePattern([]byte(v)); err != nil {
					return apierror.New("InvalidParameter", 400, "Invalid parameter: FilterPolicy: %v", err)
				}
			}
			meta["filterPolicy"] = v
		case "RawMessageDelivery":
			meta["raw"] = strconv.FormatBool(v == "true")
		default:
			meta["attr:"+k] = v
		}
	}
	return nil
}

// subscriptionKey resolves a subscription ARN (topic ARN plus ":id").
func subscriptionKey(subArn string) (resource.Key, bool) {
	i := strings.LastIndexByte(subArn, ':')
	if i < 0 {
		return resource.Key{}, false
	}
	topic := arnName(subArn[:i])
	return topicKey(topic + "/" + subArn[i+1:]), true
}

func snsUnsubscribe(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, _ *etree.Element) error {
	key, ok := subscriptionKey(form.Get("SubscriptionArn"))
	if !ok {
		return apierror.New("InvalidParameter", 400, "Invalid parameter: SubscriptionArn")
	}
	if _, err := m.Delete(ctx, key, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func snsSetSubscriptionAttributes(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, _ *etree.Element) error {
	key, ok := subscriptionKey(form.Get("SubscriptionArn"))
	if !ok {
		return apierror.New("InvalidParameter", 400, "Invalid parameter: SubscriptionArn")
	}
	name := form.Get("AttributeName")
	if err := services.Required("AttributeName", name); err != nil {
		return err
	}
	_, err := m.Mutate(ctx, key, func(r *resource.Resource) error {
		return subscriptionAttributes(r.Metadata, map[string]string{name: form.Get("AttributeValue")})
	})
	return topicCodes.Translate(err, form.Get("SubscriptionArn"))
}

func snsListSubscriptions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	f := storage.Filter{
		Provider: resource.AWS, Service: resource.PubSub, Kind: "subscription",
		Cursor: form.Get("NextToken"), PageSize: 100,
	}
	if rc.Operation == "ListSubscriptionsByTopic" {
		t, err := loadTopic(ctx, m, form.Get("TopicArn"))
		if err != nil {
			return err
		}
		f.Parent = t.ID
	}
	page, err := m.ListPage(ctx, f)
	if err != nil {
		return err
	}
	list := result.CreateElement("Subscriptions")
	for _, sub := range page.Items {
		e := list.CreateElement("member")
		e.CreateElement("SubscriptionArn").SetText(sub.Meta("arn"))
		e.CreateElement("Owner").SetText(rc.Account)
		e.CreateElement("Protocol").SetText(sub.Meta("protocol"))
		e.CreateElement("Endpoint").SetText(sub.Meta("endpoint"))
		e.CreateElement("TopicArn").SetText(arn(rc, "sns", sub.Parent))
	}
	if page.NextCursor != "" {
		result.CreateElement("NextToken").SetText(page.NextCursor)
	}
	return nil
}

// publishAttributes reads MessageAttributes.entry.N.{Name,Value.*}.
func publishAttributes(form url.Values) map[string]messageAttribute {
	out := map[string]messageAttribute{}
	for i := 1; ; i++ {
		base := "MessageAttributes.entry." + strconv.Itoa(i) + "."
		name := form.Get(base + "Name")
		if name == "" {
			return out
		}
		out[name] = messageAttribute{
			DataType:    form.Get(base + "Value.DataType"),
			StringValue: form.Get(base + "Value.StringValue"),
		}
	}
}

// filterView renders message attributes the way filter policies see them:
// numbers as numbers, String.Array values as arrays.
func filterView(attrs map[string]messageAttribute) map[string]any {
	view := make(map[string]any, len(attrs))
	for name, a := range attrs {
		switch {
		case strings.HasPrefix(a.DataType, "Number"):
			if n, err := strconv.ParseFloat(a.StringValue, 64); err == nil {
				view[name] = n
				continue
			}
		case a.DataType == "String.Array":
			var arr []any
			if err := json.Unmarshal([]byte(a.StringValue), &arr); err == nil {
				view[name] = arr
				continue
			}
		}
		view[name] = a.StringValue
	}
	return view
}

func (s *Services) snsPublish(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, form url.Values, result *etree.Element) error {
	topicArn := form.Get("TopicArn")
	if topicArn == "" {
		topicArn = form.Get("TargetArn")
	}
	t, err := loadTopic(ctx, m, topicArn)
	if err != nil {
		return err
	}
	body := form.Get("Message")
	if body == "" {
		return apierror.New("InvalidParameter", 400, "Invalid parameter: Empty message")
	}
	msgID := id.UUID()
	if err := s.fanOut(ctx, rc, m, t, msgID, form.Get("Subject"), body, publishAttributes(form)); err != nil {
		return err
	}
	result.CreateElement("MessageId").SetText(msgID)
	return nil
}

// fanOut delivers a message to every subscription of t whose filter
// policy accepts attrs.
func (s *Services) fanOut(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, t *resource.Resource, msgID, subject, body string, attrs map[string]messageAttribute) error {
	subs, err := services.Collect(ctx, m, storage.Filter{Provider: resource.AWS, Service: resource.PubSub, Parent: t.ID})
	if err != nil {
		return err
	}
	view := filterView(attrs)
	for _, sub := range subs {
		if policy := sub.Meta("filterPolicy"); policy != "" {
			p, err := matching.ParsePattern([]byte(policy))
			if err != nil || !p.Match(view) {
				continue
			}
		}
		if sub.Meta("protocol") != "sqs" {
			s.log.Debug("skipping delivery to unsupported protocol", "protocol", sub.Meta("protocol"), "subscription", sub.Meta("arn"))
			continue
		}
		q, err := m.Get(ctx, queueKey(queueName(sub.Meta("endpoint"))))
		if err != nil {
			s.log.Warn("subscription endpoint unavailable", "subscription", sub.Meta("arn"), "error", err)
			continue
		}

		if sub.Meta("raw") == "true" {
			_, err = enqueue(ctx, m, q, body, attrs, 0)
		} else {
			_, err = enqueue(ctx, m, q, snsEnvelope(rc, t, msgID, subject, body, attrs), nil, 0)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type snsAttribute struct {
	Type  string
	Value string
}

func snsEnvelope(rc *protocol.RequestContext, t *resource.Resource, msgID, subject, body string, attrs map[string]messageAttribute) string {
	env := map[string]any{
		"Type":             "Notification",
		"MessageId":        msgID,
		"TopicArn":         t.Meta("arn"),
		"Message":          body,
		"Timestamp":        time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"SignatureVersion": "1",
		"Signature":        "EXAMPLE",
		"SigningCertURL":   rc.BaseURL + "/SimpleNotificationService.pem",
		"UnsubscribeURL":   rc.BaseURL + "/?Action=Unsubscribe",
	}
	if subject != "" {
		env["Subject"] = subject
	}
	if len(attrs) > 0 {
		ma := make(map[string]snsAttribute, len(attrs))
		for name, a := range attrs {
			ma[name] = snsAttribute{Type: a.DataType, Value: a.StringValue}
		}
		env["MessageAttributes"] = ma
	}
	raw, _ := json.Marshal(env)
	return string(raw)
}
