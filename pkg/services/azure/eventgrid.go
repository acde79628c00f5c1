package azure

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cloudemu/cloudemu/internal/matching"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/dispatch"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	gridResourcePrefix = "/subscriptions/00000000-0000-0000-0000-000000000000/resourceGroups/cloudemu/providers/Microsoft.EventGrid/topics/"
	gridMaxBatch       = 1 << 20

	schemaEventGrid  = "EventGridSchema"
	schemaCloudEvent = "CloudEventSchemaV1_0"
)

var (
	topicCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "ResourceNotFound", Status: http.StatusNotFound, Message: "The topic was not found."},
		AlreadyExists: apierror.Code{Name: "ResourceAlreadyExists", Status: http.StatusConflict, Message: "The topic already exists."},
	}
	gridSubscriptionCodes = apierror.Codes{
		NotFound: apierror.Code{Name: "ResourceNotFound", Status: http.StatusNotFound, Message: "The event subscription was not found."},
	}
)

func eventGridRoutes() *dispatch.PathBasedExtraction {
	route := routeTable(resource.EventBus, protocol.WireRESTJSON)
	const (
		topic = "/eventgrid/{topic}"
		subs  = topic + "/subscriptions"
	)
	return dispatch.NewPathBasedExtraction(
		route(http.MethodGet, "/eventgrid", "ListTopics"),
		route(http.MethodPut, topic, "CreateTopic"),
		route(http.MethodGet, topic, "GetTopic"),
		route(http.MethodDelete, topic, "DeleteTopic"),
		route(http.MethodPost, topic+"/events", "PublishEvents"),
		route(http.MethodGet, subs, "ListSubscriptions"),
		route(http.MethodPut, subs+"/{name}", "CreateSubscription"),
		route(http.MethodGet, subs+"/{name}", "GetSubscription"),
		route(http.MethodDelete, subs+"/{name}", "DeleteSubscription"),
	)
}

func (s *Services) registerEventGrid(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.Azure, resource.EventBus, protocol.WireRESTJSON, services.Ops{
		"ListTopics":         gridListTopics,
		"CreateTopic":        gridCreateTopic,
		"GetTopic":           gridGetTopic,
		"DeleteTopic":        gridDeleteTopic,
		"PublishEvents":      s.gridPublishEvents,
		"ListSubscriptions":  gridListSubscriptions,
		"CreateSubscription": gridCreateSubscription,
		"GetSubscription":    gridGetSubscription,
		"DeleteSubscription": gridDeleteSubscription,
	})
}

func topicKey(name string) resource.Key {
	return resource.NewKey(resource.Azure, resource.EventBus, name)
}

func topicView(rc *protocol.RequestContext, t *resource.Resource) map[string]any {
	return map[string]any{
		"name": t.ID,
		"id":   gridResourcePrefix + t.ID,
		"type": "Microsoft.EventGrid/topics",
		"properties": map[string]any{
			"endpoint":          rc.BaseURL + "/eventgrid/" + t.ID + "/events",
			"inputSchema":       t.Meta("inputSchema"),
			"provisioningState": "Succeeded",
		},
	}
}

func gridCreateTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("topic")
	var in struct {
		Properties struct {
			InputSchema string `json:"inputSchema"`
		} `json:"properties"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	schema := in.Properties.InputSchema
	switch schema {
	case "":
		schema = schemaEventGrid
	case schemaEventGrid, schemaCloudEvent:
	default:
		return nil, apierror.New("InvalidRequest", http.StatusBadRequest, "Unsupported input schema %q.", schema)
	}

	t, err := m.Create(ctx, &resource.Resource{
		Key:      topicKey(name),
		Kind:     "topic",
		Metadata: map[string]string{"inputSchema": schema},
	})
	status := http.StatusCreated
	if errors.Is(err, storage.ErrAlreadyExists) {
		// PUT is idempotent: return the existing topic.
		status = http.StatusOK
		t, err = m.Get(ctx, topicKey(name))
	}
	if err != nil {
		return nil, topicCodes.Translate(err, name)
	}
	return reply(status, topicView(rc, t))
}

func gridGetTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	t, err := m.Get(ctx, topicKey(rc.Param("topic")))
	if err != nil {
		return nil, topicCodes.Translate(err, rc.Param("topic"))
	}
	return reply(http.StatusOK, topicView(rc, t))
}

func gridListTopics(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	topics, err := services.Collect(ctx, m, storage.Filter{Provider: resource.Azure, Service: resource.EventBus, Kind: "topic"})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicView(rc, t))
	}
	return reply(http.StatusOK, map[string]any{"value": out})
}

// gridDeleteTopic removes the topic and its event subscriptions.
func gridDeleteTopic(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("topic")
	_, err := m.Delete(ctx, topicKey(name), func(*resource.Resource) error {
		_, err := m.DeleteChildren(ctx, resource.Azure, resource.EventBus, name)
		return err
	})
	if err != nil {
		return nil, topicCodes.Translate(err, name)
	}
	return protocol.Empty(http.StatusOK), nil
}

type gridDestination struct {
	EndpointType string `json:"endpointType"`
	Properties   struct {
		ResourceID string `json:"resourceId"`
	} `json:"properties"`
}

type gridSubscription struct {
	Properties struct {
		Destination gridDestination     `json:"destination"`
		Filter      matching.GridFilter `json:"filter"`
	} `json:"properties"`
}

// queueFromResourceID extracts the Service Bus queue id
// (namespace/queue) from an ARM resource id.
func queueFromResourceID(rid string) (string, bool) {
	parts := strings.Split(strings.Trim(rid, "/"), "/")
	var ns, q string
	for i := 0; i+1 < len(parts); i++ {
		switch strings.ToLower(parts[i]) {
		case "namespaces":
			ns = parts[i+1]
		case "queues":
			q = parts[i+1]
		}
	}
	if ns == "" || q == "" {
		return "", false
	}
	return ns + "/" + q, true
}

func subscriptionView(t string, sub *resource.Resource) (map[string]any, error) {
	var body gridSubscription
	if err := json.Unmarshal([]byte(sub.Meta("subscription")), &body); err != nil {
		return nil, err
	}
	name := strings.TrimPrefix(sub.ID, t+"/")
	return map[string]any{
		"name": name,
		"id":   gridResourcePrefix + t + "/providers/Microsoft.EventGrid/eventSubscriptions/" + name,
		"type": "Microsoft.EventGrid/eventSubscriptions",
		"properties": map[string]any{
			"topic":             gridResourcePrefix + t,
			"destination":       body.Properties.Destination,
			"filter":            body.Properties.Filter,
			"provisioningState": "Succeeded",
		},
	}, nil
}

// gridCreateSubscription creates or replaces an event subscription.
// Only Service Bus queue destinations are supported, and the queue must
// exist.
func gridCreateSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	topic, name := rc.Param("topic"), rc.Param("name")
	if _, err := m.Get(ctx, topicKey(topic)); err != nil {
		return nil, topicCodes.Translate(err, topic)
	}
	var in gridSubscription
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}
	dest := in.Properties.Destination
	if dest.EndpointType != "ServiceBusQueue" {
		return nil, apierror.New("InvalidRequest", http.StatusBadRequest, "Unsupported endpoint type %q; only ServiceBusQueue is supported.", dest.EndpointType)
	}
	queueID, ok := queueFromResourceID(dest.Properties.ResourceID)
	if !ok {
		return nil, apierror.New("InvalidRequest", http.StatusBadRequest, "Destination resourceId %q does not name a Service Bus queue.", dest.Properties.ResourceID)
	}
	if _, err := m.Get(ctx, resource.NewKey(resource.Azure, resource.MessageQueue, queueID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apierror.New("InvalidRequest", http.StatusBadRequest, "Destination queue %s does not exist.", queueID)
		}
		return nil, err
	}
	if err := in.Properties.Filter.Validate(); err != nil {
		return nil, apierror.New("InvalidRequest", http.StatusBadRequest, "Invalid filter: %v", err)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var sub *resource.Resource
	err = m.WithParent(ctx, topicKey(topic), func(*resource.Resource) error {
		var err error
		sub, err = m.Upsert(ctx, &resource.Resource{
			Key:    resource.NewKey(resource.Azure, resource.EventBus, topic+"/"+name),
			Kind:   "subscription",
			Parent: topic,
			Metadata: map[string]string{
				"queue":        queueID,
				"subscription": string(raw),
			},
		})
		return gridSubscriptionCodes.Translate(err, name)
	})
	if err != nil {
		return nil, topicCodes.Translate(err, topic)
	}
	view, err := subscriptionView(topic, sub)
	if err != nil {
		return nil, err
	}
	return reply(http.StatusCreated, view)
}

func gridGetSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	topic, name := rc.Param("topic"), rc.Param("name")
	sub, err := m.Get(ctx, resource.NewKey(resource.Azure, resource.EventBus, topic+"/"+name))
	if err != nil {
		return nil, gridSubscriptionCodes.Translate(err, name)
	}
	view, err := subscriptionView(topic, sub)
	if err != nil {
		return nil, err
	}
	return reply(http.StatusOK, view)
}

func gridListSubscriptions(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	topic := rc.Param("topic")
	if _, err := m.Get(ctx, topicKey(topic)); err != nil {
		return nil, topicCodes.Translate(err, topic)
	}
	subs, err := services.Collect(ctx, m, storage.Filter{Provider: resource.Azure, Service: resource.EventBus, Parent: topic})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		view, err := subscriptionView(topic, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return reply(http.StatusOK, map[string]any{"value": out})
}

func gridDeleteSubscription(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	topic, name := rc.Param("topic"), rc.Param("name")
	if _, err := m.Delete(ctx, resource.NewKey(resource.Azure, resource.EventBus, topic+"/"+name), nil); err != nil {
		return nil, gridSubscriptionCodes.Translate(err, name)
	}
	return protocol.Empty(http.StatusOK), nil
}

// gridEvent is one decoded event with the fields filters look at.
type gridEvent struct {
	eventType string
	subject   string
	body      map[string]any
}

// decodeEvents parses and validates a publish batch in the topic's
// input schema. Missing eventTime and topic fields are filled in.
func decodeEvents(rc *protocol.RequestContext, t *resource.Resource) ([]gridEvent, error) {
	if len(rc.Body) > gridMaxBatch {
		return nil, apierror.New("RequestEntityTooLarge", http.StatusRequestEntityTooLarge, "The maximum size (%d) has been exceeded.", gridMaxBatch)
	}
	var batch []map[string]any
	if err := json.Unmarshal(rc.Body, &batch); err != nil {
		// CloudEvents may also be published one at a time.
		var single map[string]any
		if t.Meta("inputSchema") != schemaCloudEvent || json.Unmarshal(rc.Body, &single) != nil || single == nil {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "The request body must be a JSON array of events.")
		}
		batch = []map[string]any{single}
	}

	str := func(ev map[string]any, field string) string {
		s, _ := ev[field].(string)
		return s
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	out := make([]gridEvent, 0, len(batch))
	for i, ev := range batch {
		if t.Meta("inputSchema") == schemaCloudEvent {
			for _, field := range []string{"id", "source", "type", "specversion"} {
				if str(ev, field) == "" {
					return nil, apierror.New("BadRequest", http.StatusBadRequest, "events[%d]: required property '%s' is missing.", i, field)
				}
			}
			if v := str(ev, "specversion"); v != "1.0" {
				return nil, apierror.New("BadRequest", http.StatusBadRequest, "events[%d]: unsupported specversion %q.", i, v)
			}
			if str(ev, "time") == "" {
				ev["time"] = now
			}
			out = append(out, gridEvent{eventType: str(ev, "type"), subject: str(ev, "subject"), body: ev})
			continue
		}
		for _, field := range []string{"id", "eventType", "subject", "dataVersion"} {
			if str(ev, field) == "" {
				return nil, apierror.New("BadRequest", http.StatusBadRequest, "events[%d]: required property '%s' is missing.", i, field)
			}
		}
		if str(ev, "eventTime") == "" {
			ev["eventTime"] = now
		}
		ev["topic"] = gridResourcePrefix + t.ID
		ev["metadataVersion"] = "1"
		out = append(out, gridEvent{eventType: str(ev, "eventType"), subject: str(ev, "subject"), body: ev})
	}
	return out, nil
}

// gridPublishEvents delivers each event to the Service Bus queue of every
// subscription whose filter it passes. A subscription whose queue has
// gone away is skipped.
func (s *Services) gridPublishEvents(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	t, err := m.Get(ctx, topicKey(rc.Param("topic")))
	if err != nil {
		return nil, topicCodes.Translate(err, rc.Param("topic"))
	}
	events, err := decodeEvents(rc, t)
	if err != nil {
		return nil, err
	}
	subs, err := services.Collect(ctx, m, storage.Filter{Provider: resource.Azure, Service: resource.EventBus, Parent: t.ID})
	if err != nil {
		return nil, err
	}

	contentType := "application/json"
	if t.Meta("inputSchema") == schemaCloudEvent {
		contentType = "application/cloudevents+json"
	}
	for _, sub := range subs {
		var body gridSubscription
		if err := json.Unmarshal([]byte(sub.Meta("subscription")), &body); err != nil {
			return nil, err
		}
		q, err := m.Get(ctx, resource.NewKey(resource.Azure, resource.MessageQueue, sub.Meta("queue")))
		if err != nil {
			s.log.Warn("event subscription destination unavailable",
				"subscription", sub.ID, "queue", sub.Meta("queue"), "error", err)
			continue
		}
		for _, ev := range events {
			if !body.Properties.Filter.Match(ev.eventType, ev.subject, ev.body) {
				continue
			}
			raw, err := json.Marshal(ev.body)
			if err != nil {
				return nil, err
			}
			if _, err := sbEnqueue(ctx, m, q, raw, contentType, brokerProperties{}, time.Time{}); err != nil {
				return nil, err
			}
		}
	}
	return protocol.Empty(http.StatusOK), nil
}
