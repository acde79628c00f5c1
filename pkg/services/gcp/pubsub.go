package gcp

import (
	"cmp"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	deletedTopic        = "_deleted-topic_"
	defaultAckDeadline  = 10
	maxAckDeadline      = 600
	defaultRetention    = 7 * 24 * time.Hour
	minRetention        = 10 * time.Minute
	maxRetention        = 31 * 24 * time.Hour
	maxPullMessages     = 1000
	maxPublishBytes     = 10 << 20
	minDeliveryAttempts = 5
	maxDeliveryAttempts = 100
)

var (
	pubSubName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._~%+-]{2,254}$`)

	errNotLeased = errors.New("message not leased")
)

func pubSubRules() *dispatch.VerbPlusPathExtraction {
	rule := ruleTable(resource.PubSub)
	const (
		topics = "/v1/projects/{project}/topics"
		subs   = "/v1/projects/{project}/subscriptions"
	)
	return dispatch.NewVerbPlusPathExtraction(
		rule(http.MethodPost, topics, ":publish", "Publish", "topic"),
		rule(http.MethodGet, topics+"/{topic}/subscriptions", "", "ListTopicSubscriptions"),
		rule(http.MethodPut, topics, "", "CreateTopic", "topic"),
		rule(http.MethodGet, topics, "", "GetTopic", "topic"),
		rule(http.MethodDelete, topics, "", "DeleteTopic", "topic"),
		rule(http.MethodGet, topics, "", "ListTopics"),
		rule(http.MethodPost, subs, ":pull", "Pull", "subscription"),
		rule(http.MethodPost, subs, ":acknowledge", "Acknowledge", "subscription"),
		rule(http.MethodPost, subs, ":modifyAckDeadline", "ModifyAckDeadline", "subscription"),
		rule(http.MethodPut, subs, "", "CreateSubscription", "subscription"),
		rule(http.MethodGet, subs, "", "GetSubscription", "subscription"),
		rule(http.MethodDelete, subs, "", "DeleteSubscription", "subscription"),
		rule(http.MethodGet, subs, "", "ListSubscriptions"),
	)
}

func (s *Services) registerPubSub(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.GCP, resource.PubSub, protocol.WireRESTJSON, services.Ops{
		"CreateTopic":            psCreateTopic,
		"GetTopic":               psGetTopic,
		"DeleteTopic":            psDeleteTopic,
		"ListTopics":             psListTopics,
		"ListTopicSubscriptions": psListTopicSubscriptions,
		"Publish":                s.psPublish,
		"CreateSubscription":     psCreateSubscription,
		"GetSubscription":        psGetSubscription,
		"DeleteSubscription":     psDeleteSubscription,
		"ListSubscriptions":      psListSubscriptions,
		"Pull":                   s.psPull,
		"Acknowledge":            psAcknowledge,
		"ModifyAckDeadline":      psModifyAckDeadline,
	})
}

func topicName(p, t string) string { return "projects/" + p + "/topics/" + t }

func subscriptionName(p, sub string) string { return "projects/" + p + "/subscriptions/" + sub }

// topicKey maps a full topic name to its record key.
func topicKey(name string) (resource.Key, bool) {
	p, t, ok := strings.Cut(strings.TrimPrefix(name, "projects/"), "/topics/")
	if !ok || !strings.HasPrefix(name, "projects/") || p == "" || t == "" {
		return resource.Key{}, false
	}
	return resource.NewKey(resource.GCP, resource.PubSub, p+"/topics/"+t), true
}

func pubSubCodes(name string) apierror.Codes {
	return apierror.Codes{
		NotFound:      apierror.Code{Name: "NOT_FOUND", Status: http.StatusNotFound, Message: "Resource not found (resource=" + name + ")."},
		AlreadyExists: apierror.Code{Name: "ALREADY_EXISTS", Status: http.StatusConflict, Message: "Resource already exists in the project (resource=" + name + ")."},
	}
}

func validPubSubName(kind, name string) error {
	if !pubSubName.MatchString(name) || strings.HasPrefix(strings.ToLower(name), "goog") {
		return apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid [%s] name: (name=%s)", kind, name)
	}
	return nil
}

func decodeLabels(raw string) map[string]string {
	var labels map[string]string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &labels)
	}
	return labels
}

type topicView struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

func viewTopic(r *resource.Resource) topicView {
	return topicView{Name: r.Meta("name"), Labels: decodeLabels(r.Meta("labels"))}
}

func psCreateTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, t := project(rc), rc.Param("topic")
	if err := validPubSubName("topics", t); err != nil {
		return nil, err
	}
	var in struct {
		Labels map[string]string `json:"labels"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	md := map[string]string{"name": topicName(p, t), "project": p, "sequence": "0"}
	if len(in.Labels) > 0 {
		raw, _ := json.Marshal(in.Labels)
		md["labels"] = string(raw)
	}
	topic, err := m.Create(ctx, &resource.Resource{Key: rc.Key(p + "/topics/" + t), Kind: "topic", Metadata: md})
	if err != nil {
		return nil, pubSubCodes(t).Translate(err, t)
	}
	return reply(http.StatusOK, viewTopic(topic))
}

func psGetTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, t := project(rc), rc.Param("topic")
	topic, err := m.Get(ctx, rc.Key(p+"/topics/"+t))
	if err != nil {
		return nil, pubSubCodes(t).Translate(err, t)
	}
	return reply(http.StatusOK, viewTopic(topic))
}

// psDeleteTopic removes a topic. Its subscriptions survive and report
// the topic as _deleted-topic_.
func psDeleteTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, t := project(rc), rc.Param("topic")
	if _, err := m.Delete(ctx, rc.Key(p+"/topics/"+t), nil); err != nil {
		return nil, pubSubCodes(t).Translate(err, t)
	}
	subs, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.PubSub,
		Kind:     "subscription",
		Metadata: map[string]string{"topic": topicName(p, t)},
	})
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		_, err := m.Mutate(ctx, sub.Key, func(r *resource.Resource) error {
			r.SetMeta("topic", deletedTopic)
			return nil
		})
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return reply(http.StatusOK, struct{}{})
}

func psListTopics(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p := project(rc)
	page, err := listPubSub(ctx, rc, m, "topic", p+"/topics/")
	if err != nil {
		return nil, err
	}
	topics := make([]topicView, 0, len(page.Items))
	for _, r := range page.Items {
		topics = append(topics, viewTopic(r))
	}
	out := map[string]any{}
	if len(topics) > 0 {
		out["topics"] = topics
	}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

func listPubSub(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, kind, prefix string) (*storage.Page, error) {
	size, err := pageSize("pageSize", rc.QueryValue("pageSize"))
	if err != nil {
		return nil, err
	}
	token, err := pageToken(rc.QueryValue("pageToken"))
	if err != nil {
		return nil, err
	}
	return m.ListPage(ctx, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.PubSub,
		Kind:     kind,
		IDPrefix: prefix,
		Cursor:   token,
		PageSize: size,
	})
}

func psListTopicSubscriptions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, t := project(rc), rc.Param("topic")
	if _, err := m.Get(ctx, rc.Key(p+"/topics/"+t)); err != nil {
		return nil, pubSubCodes(t).Translate(err, t)
	}
	subs, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.PubSub,
		Kind:     "subscription",
		Metadata: map[string]string{"topic": topicName(p, t)},
	})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(subs))
	for _, sub := range subs {
		names = append(names, sub.Meta("name"))
	}
	out := map[string]any{}
	if len(names) > 0 {
		out["subscriptions"] = names
	}
	return reply(http.StatusOK, out)
}

type pubsubMessage struct {
	Data        string            `json:"data,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
	OrderingKey string            `json:"orderingKey,omitempty"`
}

// psPublish stores one copy of each message per subscription attached to
// the topic. Message ids come from a per-topic sequence.
func (s *Services) psPublish(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, t := project(rc), rc.Param("topic")
	var in struct {
		Messages []pubsubMessage `json:"messages"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.Messages) == 0 {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "The request must contain at least one message.")
	}
	payloads := make([][]byte, len(in.Messages))
	total := 0
	for i, msg := range in.Messages {
		data, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid data in message %d: not base64.", i)
		}
		if len(data) == 0 && len(msg.Attributes) == 0 {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Some messages are empty: a message needs data or attributes.")
		}
		payloads[i] = data
		total += len(data)
	}
	if total > maxPublishBytes {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Request payload size exceeds the limit: %d bytes.", maxPublishBytes)
	}

	var first int64
	_, err := m.Mutate(ctx, rc.Key(p+"/topics/"+t), func(r *resource.Resource) error {
		seq, _ := strconv.ParseInt(r.Meta("sequence"), 10, 64)
		first = seq + 1
		r.SetMeta("sequence", strconv.FormatInt(seq+int64(len(in.Messages)), 10))
		return nil
	})
	if err != nil {
		return nil, pubSubCodes(t).Translate(err, t)
	}

	ids := make([]string, len(in.Messages))
	now := time.Now()
	for i := range in.Messages {
		in.Messages[i].MessageID = strconv.FormatInt(first+int64(i), 10)
		in.Messages[i].PublishTime = timestamp(now)
		ids[i] = in.Messages[i].MessageID
	}
	if err := s.deliver(ctx, m, topicName(p, t), in.Messages, payloads); err != nil {
		return nil, err
	}
	return reply(http.StatusOK, map[string]any{"messageIds": ids})
}

// deliver copies msgs into every subscription attached to topic.
func (s *Services) deliver(ctx context.Context, m *lifecycle.Manager, topic string, msgs []pubsubMessage, payloads [][]byte) error {
	subs, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.GCP,
		Service:  resource.PubSub,
		Kind:     "subscription",
		Metadata: map[string]string{"topic": topic},
	})
	if err != nil {
		return err
	}
	for _, sub := range subs {
		retention := retentionOf(sub)
		err := m.WithParent(ctx, sub.Key, func(*resource.Resource) error {
			for i, msg := range msgs {
				attrs, _ := json.Marshal(msg.Attributes)
				_, err := m.Create(ctx, &resource.Resource{
					Key:    resource.NewKey(resource.GCP, resource.PubSub, sub.ID+"/"+id.Sortable()),
					Kind:   "message",
					Parent: sub.ID,
					Metadata: map[string]string{
						"messageId":   msg.MessageID,
						"publishTime": msg.PublishTime,
						"orderingKey": msg.OrderingKey,
						"attributes":  string(attrs),
						"visibleAt":   "0",
						"attempts":    "0",
					},
					Content:   payloads[i],
					ExpiresAt: time.Now().Add(retention),
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		// A subscription deleted mid-publish just misses the messages.
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, lifecycle.ErrResourceBusy) {
			continue
		}
		if err != nil {
			return err
		}
		s.log.Debug("delivered pubsub messages", "subscription", sub.Meta("name"), "count", len(msgs))
	}
	return nil
}

func retentionOf(sub *resource.Resource) time.Duration {
	if d, err := time.ParseDuration(sub.Meta("retention")); err == nil {
		return d
	}
	return defaultRetention
}

type deadLetterPolicy struct {
	DeadLetterTopic     string `json:"deadLetterTopic"`
	MaxDeliveryAttempts int    `json:"maxDeliveryAttempts,omitempty"`
}

type subscriptionView struct {
	Name                     string            `json:"name"`
	Topic                    string            `json:"topic"`
	AckDeadlineSeconds       int               `json:"ackDeadlineSeconds"`
	MessageRetentionDuration string            `json:"messageRetentionDuration"`
	EnableMessageOrdering    bool              `json:"enableMessageOrdering,omitempty"`
	DeadLetterPolicy         *deadLetterPolicy `json:"deadLetterPolicy,omitempty"`
	Labels                   map[string]string `json:"labels,omitempty"`
	State                    string            `json:"state"`
}

func viewSubscription(r *resource.Resource) subscriptionView {
	v := subscriptionView{
		Name:                     r.Meta("name"),
		Topic:                    r.Meta("topic"),
		AckDeadlineSeconds:       metaInt(r, "ackDeadlineSeconds", defaultAckDeadline),
		MessageRetentionDuration: strconv.FormatInt(int64(retentionOf(r)/time.Second), 10) + "s",
		EnableMessageOrdering:    r.Meta("ordering") == "true",
		Labels:                   decodeLabels(r.Meta("labels")),
		State:                    "ACTIVE",
	}
	if dl := r.Meta("deadLetterTopic"); dl != "" {
		v.DeadLetterPolicy = &deadLetterPolicy{
			DeadLetterTopic:     dl,
			MaxDeliveryAttempts: metaInt(r, "maxDeliveryAttempts", minDeliveryAttempts),
		}
	}
	return v
}

func psCreateSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, sub := project(rc), rc.Param("subscription")
	if err := validPubSubName("subscriptions", sub); err != nil {
		return nil, err
	}
	var in struct {
		Topic                    string            `json:"topic"`
		AckDeadlineSeconds       int               `json:"ackDeadlineSeconds"`
		MessageRetentionDuration string            `json:"messageRetentionDuration"`
		EnableMessageOrdering    bool              `json:"enableMessageOrdering"`
		DeadLetterPolicy         *deadLetterPolicy `json:"deadLetterPolicy"`
		Labels                   map[string]string `json:"labels"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	key, ok := topicKey(in.Topic)
	if !ok {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid [topics] name: (name=%s)", in.Topic)
	}
	if _, err := m.Get(ctx, key); err != nil {
		return nil, pubSubCodes(in.Topic).Translate(err, in.Topic)
	}

	deadline := cmp.Or(in.AckDeadlineSeconds, defaultAckDeadline)
	if deadline < 10 || deadline > maxAckDeadline {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid ack deadline given: %d. Must be between 10 and %d seconds.", deadline, maxAckDeadline)
	}
	retention := defaultRetention
	if in.MessageRetentionDuration != "" {
		d, err := time.ParseDuration(in.MessageRetentionDuration)
		if err != nil || d < minRetention || d > maxRetention {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid message retention duration: %s.", in.MessageRetentionDuration)
		}
		retention = d
	}

	md := map[string]string{
		"name":               subscriptionName(p, sub),
		"project":            p,
		"topic":              in.Topic,
		"ackDeadlineSeconds": strconv.Itoa(deadline),
		"retention":          retention.String(),
	}
	if in.EnableMessageOrdering {
		md["ordering"] = "true"
	}
	if dl := in.DeadLetterPolicy; dl != nil {
		if _, ok := topicKey(dl.DeadLetterTopic); !ok {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid dead letter topic: %s.", dl.DeadLetterTopic)
		}
		attempts := cmp.Or(dl.MaxDeliveryAttempts, minDeliveryAttempts)
		if attempts < minDeliveryAttempts || attempts > maxDeliveryAttempts {
			return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "maxDeliveryAttempts must be between %d and %d.", minDeliveryAttempts, maxDeliveryAttempts)
		}
		md["deadLetterTopic"] = dl.DeadLetterTopic
		md["maxDeliveryAttempts"] = strconv.Itoa(attempts)
	}
	if len(in.Labels) > 0 {
		raw, _ := json.Marshal(in.Labels)
		md["labels"] = string(raw)
	}
	r, err := m.Create(ctx, &resource.Resource{Key: rc.Key(p + "/subscriptions/" + sub), Kind: "subscription", Metadata: md})
	if err != nil {
		return nil, pubSubCodes(sub).Translate(err, sub)
	}
	return reply(http.StatusOK, viewSubscription(r))
}

// metaInt reads an integer metadata field, falling back to def.
func metaInt(r *resource.Resource, name string, def int) int {
	if n, err := strconv.Atoi(r.Meta(name)); err == nil {
		return n
	}
	return def
}

func psGetSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, sub := project(rc), rc.Param("subscription")
	r, err := m.Get(ctx, rc.Key(p+"/subscriptions/"+sub))
	if err != nil {
		return nil, pubSubCodes(sub).Translate(err, sub)
	}
	return reply(http.StatusOK, viewSubscription(r))
}

// psDeleteSubscription removes a subscription and its backlog.
func psDeleteSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, sub := project(rc), rc.Param("subscription")
	_, err := m.Delete(ctx, rc.Key(p+"/subscriptions/"+sub), func(r *resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.GCP, resource.PubSub, r.ID)
		return err
	})
	if err != nil {
		return nil, pubSubCodes(sub).Translate(err, sub)
	}
	return reply(http.StatusOK, struct{}{})
}

func psListSubscriptions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	page, err := listPubSub(ctx, rc, m, "subscription", project(rc)+"/subscriptions/")
	if err != nil {
		return nil, err
	}
	subs := make([]subscriptionView, 0, len(page.Items))
	for _, r := range page.Items {
		subs = append(subs, viewSubscription(r))
	}
	out := map[string]any{}
	if len(subs) > 0 {
		out["subscriptions"] = subs
	}
	if page.NextCursor != "" {
		out["nextPageToken"] = page.NextCursor
	}
	return reply(http.StatusOK, out)
}

func leasedUntil(msg *resource.Resource) time.Time {
	n, _ := strconv.ParseInt(msg.Meta("visibleAt"), 10, 64)
	return time.Unix(0, n)
}

type receivedMessage struct {
	AckID           string        `json:"ackId"`
	Message         pubsubMessage `json:"message"`
	DeliveryAttempt int           `json:"deliveryAttempt,omitempty"`
}

// psPull leases up to maxMessages messages for the ack deadline. It never
// waits for messages to arrive. With ordering enabled, a message is held
// back while an earlier message with the same ordering key is leased.
func (s *Services) psPull(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("subscription")
	var in struct {
		MaxMessages int `json:"maxMessages"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.MaxMessages <= 0 {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "max_messages must be positive.")
	}
	limit := min(in.MaxMessages, maxPullMessages)
	sub, err := m.Get(ctx, rc.Key(p+"/subscriptions/"+name))
	if err != nil {
		return nil, pubSubCodes(name).Translate(err, name)
	}
	deadline := time.Duration(metaInt(sub, "ackDeadlineSeconds", defaultAckDeadline)) * time.Second
	ordered := sub.Meta("ordering") == "true"
	maxAttempts := 0
	if sub.Meta("deadLetterTopic") != "" {
		maxAttempts = metaInt(sub, "maxDeliveryAttempts", minDeliveryAttempts)
	}

	out := []receivedMessage{}
	blocked := map[string]bool{}
	for msg, err := range m.List(ctx, storage.Filter{Provider: resource.GCP, Service: resource.PubSub, Kind: "message", Parent: sub.ID}) {
		if err != nil {
			return nil, err
		}
		if len(out) == limit {
			break
		}
		key := msg.Meta("orderingKey")
		if ordered && key != "" && blocked[key] {
			continue
		}
		if leasedUntil(msg).After(time.Now()) {
			if ordered && key != "" {
				blocked[key] = true
			}
			continue
		}
		if maxAttempts > 0 && metaInt(msg, "attempts", 0) >= maxAttempts {
			if err := s.deadLetter(ctx, m, sub, msg); err != nil {
				return nil, err
			}
			continue
		}

		token := id.Hex(8)
		claimed, err := m.Mutate(ctx, msg.Key, func(r *resource.Resource) error {
			if leasedUntil(r).After(time.Now()) {
				return errNotLeased
			}
			r.SetMeta("attempts", strconv.Itoa(metaInt(r, "attempts", 0)+1))
			r.SetMeta("visibleAt", strconv.FormatInt(time.Now().Add(deadline).UnixNano(), 10))
			r.SetMeta("ackToken", token)
			return nil
		})
		if errors.Is(err, errNotLeased) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		_, data, err := m.ReadBlob(ctx, msg.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if ordered && key != "" {
			blocked[key] = true
		}
		rm := receivedMessage{
			AckID: strings.TrimPrefix(claimed.ID, sub.ID+"/") + "." + token,
			Message: pubsubMessage{
				Data:        base64.StdEncoding.EncodeToString(data),
				Attributes:  decodeLabels(claimed.Meta("attributes")),
				MessageID:   claimed.Meta("messageId"),
				PublishTime: claimed.Meta("publishTime"),
				OrderingKey: key,
			},
		}
		if maxAttempts > 0 {
			rm.DeliveryAttempt = metaInt(claimed, "attempts", 1)
		}
		out = append(out, rm)
	}
	return reply(http.StatusOK, map[string]any{"receivedMessages": out})
}

// deadLetter republishes msg to the subscription's dead letter topic and
// removes it from the subscription.
func (s *Services) deadLetter(ctx context.Context, m *lifecycle.Manager, sub, msg *resource.Resource) error {
	_, data, err := m.ReadBlob(ctx, msg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := m.Delete(ctx, msg.Key, nil); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	out := pubsubMessage{
		Attributes:  decodeLabels(msg.Meta("attributes")),
		MessageID:   msg.Meta("messageId"),
		PublishTime: msg.Meta("publishTime"),
		OrderingKey: msg.Meta("orderingKey"),
	}
	s.log.Info("dead-lettering pubsub message", "subscription", sub.Meta("name"), "messageId", out.MessageID, "topic", sub.Meta("deadLetterTopic"))
	return s.deliver(ctx, m, sub.Meta("deadLetterTopic"), []pubsubMessage{out}, [][]byte{data})
}

// leaseKey resolves an ack id to the leased message and its lease token.
// Ids that are malformed or belong to another subscription resolve to
// false.
func leaseKey(sub *resource.Resource, ackID string) (resource.Key, string, bool) {
	msgID, token, ok := strings.Cut(ackID, ".")
	if !ok || msgID == "" || token == "" || strings.Contains(msgID, "/") {
		return resource.Key{}, "", false
	}
	return resource.NewKey(resource.GCP, resource.PubSub, sub.ID+"/"+msgID), token, true
}

func psAcknowledge(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("subscription")
	var in struct {
		AckIDs []string `json:"ackIds"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if len(in.AckIDs) == 0 {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "No ack ids specified.")
	}
	sub, err := m.Get(ctx, rc.Key(p+"/subscriptions/"+name))
	if err != nil {
		return nil, pubSubCodes(name).Translate(err, name)
	}
	for _, ackID := range in.AckIDs {
		key, token, ok := leaseKey(sub, ackID)
		if !ok {
			continue
		}
		// Acks for expired leases or unknown messages are dropped.
		_, err := m.Delete(ctx, key, func(r *resource.Resource) error {
			if r.Meta("ackToken") != token || !leasedUntil(r).After(time.Now()) {
				return errNotLeased
			}
			return nil
		})
		if err != nil && !errors.Is(err, errNotLeased) && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return reply(http.StatusOK, struct{}{})
}

// psModifyAckDeadline extends or ends leases. A deadline of zero makes
// the messages available for redelivery at once.
func psModifyAckDeadline(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	p, name := project(rc), rc.Param("subscription")
	var in struct {
		AckIDs             []string `json:"ackIds"`
		AckDeadlineSeconds int      `json:"ackDeadlineSeconds"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.AckDeadlineSeconds < 0 || in.AckDeadlineSeconds > maxAckDeadline {
		return nil, apierror.New("INVALID_ARGUMENT", http.StatusBadRequest, "Invalid ack deadline given: %d. Must be between 0 and %d seconds.", in.AckDeadlineSeconds, maxAckDeadline)
	}
	sub, err := m.Get(ctx, rc.Key(p+"/subscriptions/"+name))
	if err != nil {
		return nil, pubSubCodes(name).Translate(err, name)
	}
	until := time.Now().Add(time.Duration(in.AckDeadlineSeconds) * time.Second)
	for _, ackID := range in.AckIDs {
		key, token, ok := leaseKey(sub, ackID)
		if !ok {
			continue
		}
		_, err := m.Mutate(ctx, key, func(r *resource.Resource) error {
			if r.Meta("ackToken") != token || !leasedUntil(r).After(time.Now()) {
				return errNotLeased
			}
			if in.AckDeadlineSeconds == 0 {
				r.SetMeta("visibleAt", "0")
				r.SetMeta("ackToken", "")
				return nil
			}
			r.SetMeta("visibleAt", strconv.FormatInt(until.UnixNano(), 10))
			return nil
		})
		if err != nil && !errors.Is(err, errNotLeased) && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return reply(http.StatusOK, struct{}{})
}
