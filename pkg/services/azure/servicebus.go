package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	sbDefaultLock     = 60 * time.Second
	sbDefaultTTL      = 14 * 24 * time.Hour
	sbDefaultDelivery = 10
	sbMaxTimeout      = 20 * time.Second
	sbPollInterval    = 50 * time.Millisecond

	// deadLetter is appended to a queue id to form its dead-letter
	// sub-queue.
	deadLetter = "/$DeadLetterQueue"
)

var (
	queueCodes = apierror.Codes{
		NotFound:      apierror.Code{Name: "MessagingEntityNotFound", Status: http.StatusNotFound, Message: "The messaging entity could not be found."},
		AlreadyExists: apierror.Code{Name: "MessagingEntityAlreadyExists", Status: http.StatusConflict, Message: "The messaging entity already exists."},
	}
	errLockLost = apierror.New("MessageLockLost", http.StatusGone, "The lock supplied is invalid. Either the lock expired, or the message has already been removed from the queue.")
	errLocked   = errors.New("message is locked")

	sbQueueName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,259}$`)
	isoDuration = regexp.MustCompile(`^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)
)

func serviceBusRoutes() *dispatch.PathBasedExtraction {
	route := routeTable(resource.MessageQueue, protocol.WireRESTJSON)
	const queue = "/servicebus/{namespace}/{queue}"
	return dispatch.NewPathBasedExtraction(
		route(http.MethodGet, "/servicebus/{namespace}", "ListQueues"),
		route(http.MethodPut, queue, "CreateQueue"),
		route(http.MethodGet, queue, "GetQueue"),
		route(http.MethodDelete, queue, "DeleteQueue"),
		route(http.MethodPost, queue+"/messages", "SendMessage"),
		route(http.MethodDelete, queue+"/messages/head", "ReceiveAndDelete"),
		route(http.MethodPost, queue+"/messages/head", "PeekLock"),
		route(http.MethodDelete, queue+"/messages/{messageId}/{lockToken}", "CompleteMessage"),
		route(http.MethodPut, queue+"/messages/{messageId}/{lockToken}", "AbandonMessage"),
	)
}

func (s *Services) registerServiceBus(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.Azure, resource.MessageQueue, protocol.WireRESTJSON, services.Ops{
		"ListQueues":       sbListQueues,
		"CreateQueue":      sbCreateQueue,
		"GetQueue":         sbGetQueue,
		"DeleteQueue":      sbDeleteQueue,
		"SendMessage":      sbSendMessage,
		"ReceiveAndDelete": sbReceiveAndDelete,
		"PeekLock":         sbPeekLock,
		"CompleteMessage":  sbCompleteMessage,
		"AbandonMessage":   sbAbandonMessage,
	})
}

// parseISODuration parses the PnDTnHnMnS subset of ISO 8601 durations
// that Service Bus entity properties use.
func parseISODuration(s string) (time.Duration, error) {
	m := isoDuration.FindStringSubmatch(s)
	if m == nil || s == "P" || s == "PT" {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var d time.Duration
	for i, unit := range []time.Duration{24 * time.Hour, time.Hour, time.Minute} {
		if m[i+1] != "" {
			n, _ := strconv.Atoi(m[i+1])
			d += time.Duration(n) * unit
		}
	}
	if m[4] != "" {
		f, _ := strconv.ParseFloat(m[4], 64)
		d += time.Duration(f * float64(time.Second))
	}
	return d, nil
}

func formatISODuration(d time.Duration) string {
	if d > 0 && d%(24*time.Hour) == 0 {
		return fmt.Sprintf("P%dD", d/(24*time.Hour))
	}
	var b strings.Builder
	b.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		fmt.Fprintf(&b, "%dH", h)
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		fmt.Fprintf(&b, "%dM", m)
		d -= m * time.Minute
	}
	if d > 0 || b.Len() == 2 {
		fmt.Fprintf(&b, "%gS", d.Seconds())
	}
	return b.String()
}

func sbQueueID(rc *protocol.RequestContext) string {
	return rc.Param("namespace") + "/" + rc.Param("queue")
}

func loadSBQueue(ctx context.Context, m *lifecycle.Manager, key resource.Key) (*resource.Resource, error) {
	q, err := m.Get(ctx, key)
	return q, queueCodes.Translate(err, key.ID)
}

func sbDuration(q *resource.Resource, name string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(q.Meta(name)); err == nil && d > 0 {
		return d
	}
	return def
}

type queueProperties struct {
	LockDuration             string `json:"lockDuration"`
	MaxDeliveryCount         int    `json:"maxDeliveryCount"`
	DefaultMessageTimeToLive string `json:"defaultMessageTimeToLive"`
}

type queueDescription struct {
	Name string `json:"name"`
	queueProperties
	MessageCount int            `json:"messageCount"`
	CountDetails map[string]int `json:"countDetails"`
	Status       string         `json:"status"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

func describeQueue(ctx context.Context, m *lifecycle.Manager, q *resource.Resource) (*queueDescription, error) {
	now := time.Now()
	var active, scheduled, locked int
	for msg, err := range m.List(ctx, storage.Filter{Provider: resource.Azure, Service: resource.MessageQueue, Parent: q.ID}) {
		if err != nil {
			return nil, err
		}
		switch {
		case msg.Meta("lockToken") != "" && lockedUntil(msg).After(now):
			locked++
		case lockedUntil(msg).After(now):
			scheduled++
		default:
			active++
		}
	}
	dead, err := services.Children(ctx, m, resource.Azure, resource.MessageQueue, q.ID+deadLetter)
	if err != nil {
		return nil, err
	}
	maxDelivery, _ := strconv.Atoi(q.Meta("maxDeliveryCount"))
	return &queueDescription{
		Name: q.ID[strings.Index(q.ID, "/")+1:],
		queueProperties: queueProperties{
			LockDuration:             formatISODuration(sbDuration(q, "lockDuration", sbDefaultLock)),
			MaxDeliveryCount:         maxDelivery,
			DefaultMessageTimeToLive: formatISODuration(sbDuration(q, "defaultMessageTimeToLive", sbDefaultTTL)),
		},
		MessageCount: active + scheduled + locked,
		CountDetails: map[string]int{
			"activeMessageCount":     active + locked,
			"scheduledMessageCount":  scheduled,
			"deadLetterMessageCount": dead,
		},
		Status:    "Active",
		CreatedAt: isoTime(q.CreatedAt),
		UpdatedAt: isoTime(q.UpdatedAt),
	}, nil
}

func sbCreateQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	name := rc.Param("queue")
	if !sbQueueName.MatchString(name) {
		return nil, apierror.New("BadRequest", http.StatusBadRequest, "The entity name %q is invalid.", name)
	}
	var in struct {
		LockDuration             string `json:"lockDuration"`
		MaxDeliveryCount         *int   `json:"maxDeliveryCount"`
		DefaultMessageTimeToLive string `json:"defaultMessageTimeToLive"`
	}
	if err := rc.DecodeJSON(&in); err != nil {
		return nil, err
	}

	meta := map[string]string{
		"lockDuration":             sbDefaultLock.String(),
		"maxDeliveryCount":         strconv.Itoa(sbDefaultDelivery),
		"defaultMessageTimeToLive": sbDefaultTTL.String(),
	}
	if in.LockDuration != "" {
		d, err := parseISODuration(in.LockDuration)
		if err != nil || d < 5*time.Second || d > 5*time.Minute {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "lockDuration must be an ISO 8601 duration between PT5S and PT5M.")
		}
		meta["lockDuration"] = d.String()
	}
	if in.MaxDeliveryCount != nil {
		if *in.MaxDeliveryCount < 1 {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "maxDeliveryCount must be at least 1.")
		}
		meta["maxDeliveryCount"] = strconv.Itoa(*in.MaxDeliveryCount)
	}
	if in.DefaultMessageTimeToLive != "" {
		d, err := parseISODuration(in.DefaultMessageTimeToLive)
		if err != nil || d <= 0 {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "defaultMessageTimeToLive must be a positive ISO 8601 duration.")
		}
		meta["defaultMessageTimeToLive"] = d.String()
	}

	q, err := m.Create(ctx, &resource.Resource{
		Key:      rc.Key(sbQueueID(rc)),
		Kind:     "queue",
		Parent:   rc.Param("namespace"),
		Metadata: meta,
	})
	if err != nil {
		return nil, queueCodes.Translate(err, name)
	}
	d, err := describeQueue(ctx, m, q)
	if err != nil {
		return nil, err
	}
	return reply(http.StatusCreated, d)
}

func sbGetQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	q, err := loadSBQueue(ctx, m, rc.Key(sbQueueID(rc)))
	if err != nil {
		return nil, err
	}
	d, err := describeQueue(ctx, m, q)
	if err != nil {
		return nil, err
	}
	return reply(http.StatusOK, d)
}

func sbListQueues(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	queues, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.Azure,
		Service:  resource.MessageQueue,
		Kind:     "queue",
		Parent:   rc.Param("namespace"),
	})
	if err != nil {
		return nil, err
	}
	out := make([]*queueDescription, 0, len(queues))
	for _, q := range queues {
		d, err := describeQueue(ctx, m, q)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return reply(http.StatusOK, map[string]any{"value": out})
}

// sbDeleteQueue removes the queue with its messages and dead letters.
func sbDeleteQueue(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	_, err := m.Delete(ctx, rc.Key(sbQueueID(rc)), func(q *resource.Resource) error {
		for _, parent := range []string{q.ID, q.ID + deadLetter} {
			if _, err := m.DeleteChildren(ctx, resource.Azure, resource.MessageQueue, parent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, queueCodes.Translate(err, rc.Param("queue"))
	}
	return protocol.Empty(http.StatusOK), nil
}

// brokerProperties is the BrokerProperties header of the REST protocol.
type brokerProperties struct {
	MessageID               string  `json:"MessageId,omitempty"`
	CorrelationID           string  `json:"CorrelationId,omitempty"`
	SessionID               string  `json:"SessionId,omitempty"`
	Label                   string  `json:"Label,omitempty"`
	To                      string  `json:"To,omitempty"`
	ReplyTo                 string  `json:"ReplyTo,omitempty"`
	TimeToLive              float64 `json:"TimeToLive,omitempty"`
	ScheduledEnqueueTimeUtc string  `json:"ScheduledEnqueueTimeUtc,omitempty"`

	// Set by the broker on receive.
	DeliveryCount          int    `json:"DeliveryCount,omitempty"`
	EnqueuedSequenceNumber int64  `json:"EnqueuedSequenceNumber,omitempty"`
	EnqueuedTimeUtc        string `json:"EnqueuedTimeUtc,omitempty"`
	LockToken              string `json:"LockToken,omitempty"`
	LockedUntilUtc         string `json:"LockedUntilUtc,omitempty"`
	SequenceNumber         int64  `json:"SequenceNumber,omitempty"`
	State                  string `json:"State,omitempty"`
}

func sbSendMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	q, err := loadSBQueue(ctx, m, rc.Key(sbQueueID(rc)))
	if err != nil {
		return nil, err
	}
	var props brokerProperties
	if raw := rc.Header.Get("BrokerProperties"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &props); err != nil {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "The BrokerProperties header is not valid JSON.")
		}
	}
	var at time.Time
	if props.ScheduledEnqueueTimeUtc != "" {
		at, err = time.Parse(http.TimeFormat, props.ScheduledEnqueueTimeUtc)
		if err != nil {
			return nil, apierror.New("BadRequest", http.StatusBadRequest, "ScheduledEnqueueTimeUtc must be an RFC 1123 date.")
		}
	}
	if _, err := sbEnqueue(ctx, m, q, rc.Body, rc.Header.Get("Content-Type"), props, at); err != nil {
		return nil, err
	}
	return protocol.Empty(http.StatusCreated), nil
}

// sbEnqueue stores a message on q, visible from at (or now when at is
// zero). Event Grid delivers through it.
func sbEnqueue(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, body []byte, contentType string, props brokerProperties, at time.Time) (string, error) {
	now := time.Now()
	if at.IsZero() || at.Before(now) {
		at = now
	}
	ttl := sbDuration(q, "defaultMessageTimeToLive", sbDefaultTTL)
	if props.TimeToLive > 0 {
		ttl = min(ttl, time.Duration(props.TimeToLive*float64(time.Second)))
	}
	seq, err := m.Mutate(ctx, q.Key, func(r *resource.Resource) error {
		n, _ := strconv.ParseInt(r.Meta("sequence"), 10, 64)
		r.SetMeta("sequence", strconv.FormatInt(n+1, 10))
		return nil
	})
	if err != nil {
		return "", queueCodes.Translate(err, q.ID)
	}

	msgID := props.MessageID
	if msgID == "" {
		msgID = id.Compact()
	}
	props.MessageID = msgID
	props.ScheduledEnqueueTimeUtc = ""
	raw, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	if body == nil {
		body = []byte{}
	}
	err = m.WithParent(ctx, q.Key, func(*resource.Resource) error {
		_, err := m.Create(ctx, &resource.Resource{
			Key:    resource.NewKey(resource.Azure, resource.MessageQueue, q.ID+"/"+id.Sortable()),
			Kind:   "message",
			Parent: q.ID,
			Metadata: map[string]string{
				"messageId":     msgID,
				"sequence":      seq.Meta("sequence"),
				"enqueuedAt":    strconv.FormatInt(now.UnixNano(), 10),
				"lockedUntil":   strconv.FormatInt(at.UnixNano(), 10),
				"deliveryCount": "0",
				"contentType":   contentType,
				"properties":    string(raw),
			},
			Content:   body,
			ExpiresAt: now.Add(ttl),
		})
		return err
	})
	if err != nil {
		return "", queueCodes.Translate(err, q.ID)
	}
	return msgID, nil
}

// lockedUntil is when a message next becomes receivable: the end of its
// peek-lock, or its scheduled enqueue time.
func lockedUntil(msg *resource.Resource) time.Time {
	n, _ := strconv.ParseInt(msg.Meta("lockedUntil"), 10, 64)
	return time.Unix(0, n)
}

func sbReceiveAndDelete(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	return sbReceive(ctx, rc, m, false)
}

func sbPeekLock(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	return sbReceive(ctx, rc, m, true)
}

// sbReceive takes the first receivable message, polling up to the
// timeout query parameter. An empty queue answers 204.
func sbReceive(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, lock bool) (*protocol.Response, error) {
	q, err := loadSBQueue(ctx, m, rc.Key(sbQueueID(rc)))
	if err != nil {
		return nil, err
	}
	wait, err := services.Int("timeout", rc.QueryValue("timeout"), 0)
	if err != nil || wait < 0 {
		return nil, apierror.New("BadRequest", http.StatusBadRequest, "timeout must be a non-negative number of seconds.")
	}
	deadline := time.Now().Add(min(time.Duration(wait)*time.Second, sbMaxTimeout))

	for {
		msg, body, err := sbClaim(ctx, m, q, lock)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return sbMessageResponse(rc, q, msg, body, lock)
		}
		if !time.Now().Before(deadline) {
			return protocol.Empty(http.StatusNoContent), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sbPollInterval):
		}
	}
}

// sbClaim locks (or removes, when lock is false) the first receivable
// message. Messages whose delivery count is exhausted move to the
// dead-letter sub-queue instead.
func sbClaim(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, lock bool) (*resource.Resource, []byte, error) {
	now := time.Now()
	var candidates []*resource.Resource
	for msg, err := range m.List(ctx, storage.Filter{Provider: resource.Azure, Service: resource.MessageQueue, Parent: q.ID}) {
		if err != nil {
			return nil, nil, err
		}
		if !lockedUntil(msg).After(now) {
			candidates = append(candidates, msg)
		}
	}
	maxDelivery, _ := strconv.Atoi(q.Meta("maxDeliveryCount"))
	lockFor := sbDuration(q, "lockDuration", sbDefaultLock)

	for _, c := range candidates {
		if n, _ := strconv.Atoi(c.Meta("deliveryCount")); maxDelivery > 0 && n >= maxDelivery {
			if err := sbDeadLetter(ctx, m, q, c); err != nil {
				return nil, nil, err
			}
			continue
		}
		if !lock {
			_, body, err := m.ReadBlob(ctx, c.Key)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			gone, err := m.Delete(ctx, c.Key, func(r *resource.Resource) error {
				if lockedUntil(r).After(time.Now()) {
					return errLocked
				}
				return nil
			})
			if errors.Is(err, errLocked) || errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, nil, err
			}
			n, _ := strconv.Atoi(gone.Meta("deliveryCount"))
			gone.SetMeta("deliveryCount", strconv.Itoa(n+1))
			return gone, body, nil
		}

		token := id.UUID()
		claimed, err := m.Mutate(ctx, c.Key, func(r *resource.Resource) error {
			if lockedUntil(r).After(time.Now()) {
				return errLocked
			}
			n, _ := strconv.Atoi(r.Meta("deliveryCount"))
			r.SetMeta("deliveryCount", strconv.Itoa(n+1))
			r.SetMeta("lockToken", token)
			r.SetMeta("lockedUntil", strconv.FormatInt(time.Now().Add(lockFor).UnixNano(), 10))
			return nil
		})
		if errors.Is(err, errLocked) || errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		_, body, err := m.ReadBlob(ctx, c.Key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return claimed, body, nil
	}
	return nil, nil, nil
}

func sbDeadLetter(ctx context.Context, m *lifecycle.Manager, q *resource.Resource, msg *resource.Resource) error {
	_, body, err := m.ReadBlob(ctx, msg.Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	dead := msg.Clone()
	dead.Key = resource.NewKey(resource.Azure, resource.MessageQueue, q.ID+deadLetter+"/"+id.Sortable())
	dead.Parent = q.ID + deadLetter
	dead.Content = body
	dead.Blob = nil
	dead.SetMeta("deadLetterReason", "MaxDeliveryCountExceeded")
	if _, err := m.Create(ctx, dead); err != nil {
		return err
	}
	if _, err := m.Delete(ctx, msg.Key, nil); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}

func sbMessageResponse(rc *protocol.RequestContext, q, msg *resource.Resource, body []byte, locked bool) (*protocol.Response, error) {
	var props brokerProperties
	_ = json.Unmarshal([]byte(msg.Meta("properties")), &props)
	props.DeliveryCount, _ = strconv.Atoi(msg.Meta("deliveryCount"))
	props.SequenceNumber, _ = strconv.ParseInt(msg.Meta("sequence"), 10, 64)
	props.EnqueuedSequenceNumber = props.SequenceNumber
	enq, _ := strconv.ParseInt(msg.Meta("enqueuedAt"), 10, 64)
	props.EnqueuedTimeUtc = httpTime(time.Unix(0, enq))
	props.TimeToLive = msg.ExpiresAt.Sub(time.Unix(0, enq)).Seconds()
	props.State = "Active"

	status := http.StatusOK
	if locked {
		status = http.StatusCreated
		props.LockToken = msg.Meta("lockToken")
		props.LockedUntilUtc = httpTime(lockedUntil(msg))
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return nil, err
	}
	ct := msg.Meta("contentType")
	if ct == "" {
		ct = "application/octet-stream"
	}
	resp := protocol.Raw(status, ct, body).SetHeader("BrokerProperties", string(raw))
	if locked {
		resp.SetHeader("Location", fmt.Sprintf("%s/servicebus/%s/messages/%s/%s",
			rc.BaseURL, q.ID, props.MessageID, props.LockToken))
	}
	return resp, nil
}

// lockedMessage finds the message with messageId whose current lock is
// lockToken.
func lockedMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*resource.Resource, error) {
	q, err := loadSBQueue(ctx, m, rc.Key(sbQueueID(rc)))
	if err != nil {
		return nil, err
	}
	msgs, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.Azure,
		Service:  resource.MessageQueue,
		Parent:   q.ID,
		Metadata: map[string]string{"messageId": rc.Param("messageId"), "lockToken": rc.Param("lockToken")},
	})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 || !lockedUntil(msgs[0]).After(time.Now()) {
		return nil, errLockLost
	}
	return msgs[0], nil
}

// holdsLock is the delete and mutate check for settling a message.
func holdsLock(token string) func(*resource.Resource) error {
	return func(r *resource.Resource) error {
		if r.Meta("lockToken") != token || !lockedUntil(r).After(time.Now()) {
			return errLockLost
		}
		return nil
	}
}

func sbCompleteMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	msg, err := lockedMessage(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	if _, err := m.Delete(ctx, msg.Key, holdsLock(rc.Param("lockToken"))); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errLockLost
		}
		return nil, err
	}
	return protocol.Empty(http.StatusOK), nil
}

// sbAbandonMessage releases the lock so the message can be received
// again.
func sbAbandonMessage(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager) (*protocol.Response, error) {
	msg, err := lockedMessage(ctx, rc, m)
	if err != nil {
		return nil, err
	}
	check := holdsLock(rc.Param("lockToken"))
	_, err = m.Mutate(ctx, msg.Key, func(r *resource.Resource) error {
		if err := check(r); err != nil {
			return err
		}
		delete(r.Metadata, "lockToken")
		r.SetMeta("lockedUntil", strconv.FormatInt(time.Now().UnixNano(), 10))
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errLockLost
	}
	if err != nil {
		return nil, err
	}
	return protocol.Empty(http.StatusOK), nil
}
