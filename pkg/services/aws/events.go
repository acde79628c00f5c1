package aws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/cloudemu/cloudemu/internal/id"
	"github.com/cloudemu/cloudemu/internal/matching"
	"github.com/cloudemu/cloudemu/pkg/apierror"
	"github.com/cloudemu/cloudemu/pkg/lifecycle"
	"github.com/cloudemu/cloudemu/pkg/protocol"
	"github.com/cloudemu/cloudemu/pkg/resource"
	"github.com/cloudemu/cloudemu/pkg/services"
	"github.com/cloudemu/cloudemu/pkg/storage"
)

const (
	defaultBus   = "default"
	ruleEnabled  = "ENABLED"
	ruleDisabled = "DISABLED"

	maxPutEvents = 10
)

var busCodes = apierror.Codes{
	NotFound:      apierror.Code{Name: "ResourceNotFoundException", Status: http.StatusBadRequest},
	AlreadyExists: apierror.Code{Name: "ResourceAlreadyExistsException", Status: http.StatusBadRequest},
}

func (s *Services) registerEvents(b *protocol.RegistryBuilder) error {
	return services.Register(b, resource.AWS, resource.EventBus, protocol.WireJSON, services.Ops{
		"CreateEventBus":    handler(evCreateEventBus),
		"DescribeEventBus":  handler(evDescribeEventBus),
		"ListEventBuses":    handler(evListEventBuses),
		"DeleteEventBus":    handler(evDeleteEventBus),
		"PutRule":           handler(evPutRule),
		"DescribeRule":      handler(evDescribeRule),
		"ListRules":         handler(evListRules),
		"EnableRule":        handler(evSetRuleState(ruleEnabled)),
		"DisableRule":       handler(evSetRuleState(ruleDisabled)),
		"DeleteRule":        handler(evDeleteRule),
		"PutTargets":        handler(evPutTargets),
		"RemoveTargets":     handler(evRemoveTargets),
		"ListTargetsByRule": handler(evListTargetsByRule),
		"PutEvents":         handler(s.evPutEvents),
		"TestEventPattern":  handler(evTestEventPattern),
	})
}

func busKey(name string) resource.Key {
	return resource.NewKey(resource.AWS, resource.EventBus, name)
}

func ruleID(bus, rule string) string { return bus + "/" + rule }

func busName(ref string) string {
	if ref == "" {
		return defaultBus
	}
	return arnName(ref)
}

// loadBus returns the named bus. The default bus always exists and is
// created on first use.
func loadBus(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, ref string) (*resource.Resource, error) {
	name := busName(ref)
	bus, err := m.Get(ctx, busKey(name))
	if errors.Is(err, storage.ErrNotFound) && name == defaultBus {
		bus, err = m.Create(ctx, &resource.Resource{
			Key:      busKey(defaultBus),
			Kind:     "bus",
			Metadata: map[string]string{"arn": arn(rc, "events", "event-bus/"+defaultBus)},
		})
		if errors.Is(err, storage.ErrAlreadyExists) {
			bus, err = m.Get(ctx, busKey(defaultBus))
		}
	}
	if err != nil {
		return nil, busCodes.Translate(err, "Event bus "+name)
	}
	return bus, nil
}

func loadRule(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, bus, rule string) (*resource.Resource, error) {
	if err := services.Required("Name", rule); err != nil {
		return nil, err
	}
	b, err := loadBus(ctx, rc, m, bus)
	if err != nil {
		return nil, err
	}
	r, err := m.Get(ctx, busKey(ruleID(b.ID, rule)))
	if err != nil {
		return nil, busCodes.Translate(err, "Rule "+rule)
	}
	return r, nil
}

type busInput struct {
	Name string
}

func evCreateEventBus(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *busInput) (any, error) {
	if err := services.Required("Name", in.Name); err != nil {
		return nil, err
	}
	if in.Name == defaultBus || strings.ContainsAny(in.Name, "/:") {
		return nil, apierror.Validation("Event bus name %q is not valid.", in.Name)
	}
	busArn := arn(rc, "events", "event-bus/"+in.Name)
	_, err := m.Create(ctx, &resource.Resource{
		Key:      busKey(in.Name),
		Kind:     "bus",
		Metadata: map[string]string{"arn": busArn},
	})
	if err != nil {
		return nil, busCodes.Translate(err, "Event bus "+in.Name)
	}
	return map[string]any{"EventBusArn": busArn}, nil
}

func evDescribeEventBus(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *busInput) (any, error) {
	bus, err := loadBus(ctx, rc, m, in.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Name": bus.ID, "Arn": bus.Meta("arn"), "CreationTime": epoch(bus.CreatedAt)}, nil
}

type listBusesInput struct {
	NamePrefix string
	NextToken  string
	Limit      int
}

func evListEventBuses(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listBusesInput) (any, error) {
	if _, err := loadBus(ctx, rc, m, defaultBus); err != nil {
		return nil, err
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.EventBus, Kind: "bus",
		IDPrefix: in.NamePrefix, Cursor: in.NextToken, PageSize: pageSize(in.Limit),
	})
	if err != nil {
		return nil, err
	}
	buses := make([]map[string]any, 0, len(page.Items))
	for _, b := range page.Items {
		buses = append(buses, map[string]any{"Name": b.ID, "Arn": b.Meta("arn")})
	}
	return withToken(map[string]any{"EventBuses": buses}, page), nil
}

func pageSize(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}

func withToken(out map[string]any, page *storage.Page) map[string]any {
	if page.NextCursor != "" {
		out["NextToken"] = page.NextCursor
	}
	return out
}

// evDeleteEventBus removes a bus with its rules and their targets.
func evDeleteEventBus(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *busInput) (any, error) {
	if in.Name == defaultBus {
		return nil, apierror.Validation("Cannot delete event bus default.")
	}
	bus, err := m.Get(ctx, busKey(in.Name))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, bus.Key, func(*resource.Resource) error {
		rules, err := services.Collect(ctx, m, storage.Filter{Provider: resource.AWS, Service: resource.EventBus, Parent: bus.ID})
		if err != nil {
			return err
		}
		for _, r := range rules {
			if _, err := m.DeleteChildren(ctx, resource.AWS, resource.EventBus, r.ID); err != nil {
				return err
			}
		}
		_, err = m.DeleteChildren(ctx, resource.AWS, resource.EventBus, bus.ID)
		return err
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return nil, nil
}

type putRuleInput struct {
	Name               string
	EventBusName       string
	EventPattern       string
	ScheduleExpression string
	State              string
	Description        string
}

// evPutRule creates or replaces a rule. Schedule expressions are stored
// but never fire.
func evPutRule(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *putRuleInput) (any, error) {
	if err := services.Required("Name", in.Name); err != nil {
		return nil, err
	}
	if in.EventPattern == "" && in.ScheduleExpression == "" {
		return nil, apierror.Validation("Parameter(s) EventPattern or ScheduleExpression must be specified.")
	}
	if in.EventPattern != "" {
		if _, err := matching.ParsePattern([]byte(in.EventPattern)); err != nil {
			return nil, apierror.New("InvalidEventPatternException", http.StatusBadRequest, "Event pattern is not valid. Reason: %s", err)
		}
	}
	switch in.State {
	case "":
		in.State = ruleEnabled
	case ruleEnabled, ruleDisabled:
	default:
		return nil, apierror.Validation("State must be ENABLED or DISABLED.")
	}
	bus, err := loadBus(ctx, rc, m, in.EventBusName)
	if err != nil {
		return nil, err
	}

	resName := "rule/" + in.Name
	if bus.ID != defaultBus {
		resName = "rule/" + bus.ID + "/" + in.Name
	}
	ruleArn := arn(rc, "events", resName)
	err = m.WithParent(ctx, bus.Key, func(*resource.Resource) error {
		_, err := m.Upsert(ctx, &resource.Resource{
			Key:    busKey(ruleID(bus.ID, in.Name)),
			Kind:   "rule",
			Parent: bus.ID,
			Metadata: map[string]string{
				"arn":                ruleArn,
				"name":               in.Name,
				"state":              in.State,
				"description":        in.Description,
				"scheduleExpression": in.ScheduleExpression,
			},
			Content: []byte(in.EventPattern),
		})
		return err
	})
	if err != nil {
		return nil, busCodes.Translate(err, "Rule "+in.Name)
	}
	return map[string]any{"RuleArn": ruleArn}, nil
}

type ruleInput struct {
	Name         string
	EventBusName string
}

func describeRule(ctx context.Context, m *lifecycle.Manager, r *resource.Resource) (map[string]any, error) {
	_, pattern, err := m.ReadBlob(ctx, r.Key)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"Name":         r.Meta("name"),
		"Arn":          r.Meta("arn"),
		"EventBusName": r.Parent,
		"State":        r.Meta("state"),
	}
	if len(pattern) > 0 {
		out["EventPattern"] = string(pattern)
	}
	for field, meta := range map[string]string{"Description": "description", "ScheduleExpression": "scheduleExpression"} {
		if v := r.Meta(meta); v != "" {
			out[field] = v
		}
	}
	return out, nil
}

func evDescribeRule(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *ruleInput) (any, error) {
	r, err := loadRule(ctx, rc, m, in.EventBusName, in.Name)
	if err != nil {
		return nil, err
	}
	return describeRule(ctx, m, r)
}

type listRulesInput struct {
	EventBusName string
	NamePrefix   string
	NextToken    string
	Limit        int
}

func evListRules(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listRulesInput) (any, error) {
	bus, err := loadBus(ctx, rc, m, in.EventBusName)
	if err != nil {
		return nil, err
	}
	page, err := m.ListPage(ctx, storage.Filter{
		Provider: resource.AWS, Service: resource.EventBus, Kind: "rule", Parent: bus.ID,
		IDPrefix: ruleID(bus.ID, in.NamePrefix), Cursor: in.NextToken, PageSize: pageSize(in.Limit),
	})
	if err != nil {
		return nil, err
	}
	rules := make([]map[string]any, 0, len(page.Items))
	for _, r := range page.Items {
		d, err := describeRule(ctx, m, r)
		if err != nil {
			return nil, err
		}
		rules = append(rules, d)
	}
	return withToken(map[string]any{"Rules": rules}, page), nil
}

func evSetRuleState(state string) func(context.Context, *protocol.RequestContext, *lifecycle.Manager, *ruleInput) (any, error) {
	return func(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *ruleInput) (any, error) {
		r, err := loadRule(ctx, rc, m, in.EventBusName, in.Name)
		if err != nil {
			return nil, err
		}
		_, err = m.Mutate(ctx, r.Key, func(r *resource.Resource) error {
			r.SetMeta("state", state)
			return nil
		})
		return nil, busCodes.Translate(err, "Rule "+in.Name)
	}
}

type deleteRuleInput struct {
	ruleInput
	Force bool
}

func evDeleteRule(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *deleteRuleInput) (any, error) {
	r, err := loadRule(ctx, rc, m, in.EventBusName, in.Name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, err = m.Delete(ctx, r.Key, func(cur *resource.Resource) error {
		n, err := services.Children(ctx, m, resource.AWS, resource.EventBus, cur.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return apierror.Validation("Rule can't be deleted since it has targets.")
		}
		return nil
	})
	return nil, busCodes.Translate(err, "Rule "+in.Name)
}

type target struct {
	Id        string
	Arn       string
	Input     string `json:",omitempty"`
	InputPath string `json:",omitempty"`
}

type putTargetsInput struct {
	Rule         string
	EventBusName string
	Targets      []target
}

type failedEntry struct {
	TargetId     string `json:",omitempty"`
	ErrorCode    string
	ErrorMessage string
}

func evPutTargets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *putTargetsInput) (any, error) {
	r, err := loadRule(ctx, rc, m, in.EventBusName, in.Rule)
	if err != nil {
		return nil, err
	}
	failed := []failedEntry{}
	for _, t := range in.Targets {
		if t.Id == "" || t.Arn == "" {
			failed = append(failed, failedEntry{TargetId: t.Id, ErrorCode: "ValidationException", ErrorMessage: "Id and Arn are required."})
			continue
		}
		if t.Input != "" && t.InputPath != "" {
			failed = append(failed, failedEntry{TargetId: t.Id, ErrorCode: "ValidationException", ErrorMessage: "Only one of Input and InputPath may be set."})
			continue
		}
		err := m.WithParent(ctx, r.Key, func(*resource.Resource) error {
			_, err := m.Upsert(ctx, &resource.Resource{
				Key:    busKey(r.ID + "#" + t.Id),
				Kind:   "target",
				Parent: r.ID,
				Metadata: map[string]string{
					"id":        t.Id,
					"arn":       t.Arn,
					"input":     t.Input,
					"inputPath": t.InputPath,
				},
			})
			return err
		})
		if err != nil {
			return nil, busCodes.Translate(err, "Rule "+r.Meta("name"))
		}
	}
	return map[string]any{"FailedEntryCount": len(failed), "FailedEntries": failed}, nil
}

type removeTargetsInput struct {
	Rule         string
	EventBusName string
	Ids          []string
}

func evRemoveTargets(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *removeTargetsInput) (any, error) {
	r, err := loadRule(ctx, rc, m, in.EventBusName, in.Rule)
	if err != nil {
		return nil, err
	}
	failed := []failedEntry{}
	for _, tid := range in.Ids {
		_, err := m.Delete(ctx, busKey(r.ID+"#"+tid), nil)
		if errors.Is(err, storage.ErrNotFound) {
			failed = append(failed, failedEntry{TargetId: tid, ErrorCode: "ResourceNotFoundException", ErrorMessage: "Target " + tid + " does not exist."})
			continue
		}
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"FailedEntryCount": len(failed), "FailedEntries": failed}, nil
}

func ruleTargets(ctx context.Context, m *lifecycle.Manager, rule string) ([]target, error) {
	rs, err := services.Collect(ctx, m, storage.Filter{Provider: resource.AWS, Service: resource.EventBus, Parent: rule})
	if err != nil {
		return nil, err
	}
	out := make([]target, 0, len(rs))
	for _, r := range rs {
		out = append(out, target{Id: r.Meta("id"), Arn: r.Meta("arn"), Input: r.Meta("input"), InputPath: r.Meta("inputPath")})
	}
	return out, nil
}

type listTargetsInput struct {
	Rule         string
	EventBusName string
}

func evListTargetsByRule(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *listTargetsInput) (any, error) {
	r, err := loadRule(ctx, rc, m, in.EventBusName, in.Rule)
	if err != nil {
		return nil, err
	}
	targets, err := ruleTargets(ctx, m, r.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"Targets": targets}, nil
}

type eventEntry struct {
	Source       string
	DetailType   string
	Detail       string
	EventBusName string
	Resources    []string
	Time         float64
}

type putEventsInput struct {
	Entries []eventEntry
}

// event builds the envelope rules are matched against.
func (e eventEntry) event(rc *protocol.RequestContext, eventID string) (map[string]any, error) {
	detail, err := oj.ParseString(e.Detail)
	if err != nil {
		return nil, err
	}
	if _, ok := detail.(map[string]any); !ok {
		return nil, errors.New("detail must be a JSON object")
	}
	at := time.Now()
	if e.Time > 0 {
		at = time.UnixMilli(int64(e.Time * 1000))
	}
	resources := make([]any, 0, len(e.Resources))
	for _, r := range e.Resources {
		resources = append(resources, r)
	}
	return map[string]any{
		"version":     "0",
		"id":          eventID,
		"detail-type": e.DetailType,
		"source":      e.Source,
		"account":     rc.Account,
		"time":        at.UTC().Format(time.RFC3339),
		"region":      rc.Region,
		"resources":   resources,
		"detail":      detail,
	}, nil
}

// evPutEvents routes each entry to the targets of matching enabled rules.
// Delivery failures are logged; the entry still succeeds.
func (s *Services) evPutEvents(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *putEventsInput) (any, error) {
	if len(in.Entries) == 0 || len(in.Entries) > maxPutEvents {
		return nil, apierror.Validation("Entries must contain between 1 and %d items.", maxPutEvents)
	}
	results := make([]map[string]any, 0, len(in.Entries))
	failed := 0
	for _, entry := range in.Entries {
		eventID, err := s.putEvent(ctx, rc, m, entry)
		if err != nil {
			failed++
			code, msg := "InternalFailure", err.Error()
			var ae *apierror.Error
			if errors.As(err, &ae) {
				code, msg = ae.Code, ae.Message
			}
			results = append(results, map[string]any{"ErrorCode": code, "ErrorMessage": msg})
			continue
		}
		results = append(results, map[string]any{"EventId": eventID})
	}
	return map[string]any{"FailedEntryCount": failed, "Entries": results}, nil
}

func (s *Services) putEvent(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, entry eventEntry) (string, error) {
	if entry.Source == "" || entry.DetailType == "" || entry.Detail == "" {
		return "", apierror.New("InvalidArgument", http.StatusBadRequest, "Parameters Source, DetailType and Detail are required.")
	}
	bus, err := loadBus(ctx, rc, m, entry.EventBusName)
	if err != nil {
		return "", apierror.New("ResourceNotFoundException", http.StatusBadRequest, "Event bus %s does not exist.", busName(entry.EventBusName))
	}
	eventID := id.UUID()
	event, err := entry.event(rc, eventID)
	if err != nil {
		return "", apierror.New("MalformedDetail", http.StatusBadRequest, "Detail is malformed: %s", err)
	}

	rules, err := services.Collect(ctx, m, storage.Filter{
		Provider: resource.AWS, Service: resource.EventBus, Kind: "rule", Parent: bus.ID,
		Metadata: map[string]string{"state": ruleEnabled},
	})
	if err != nil {
		return "", err
	}
	for _, r := range rules {
		_, raw, err := m.ReadBlob(ctx, r.Key)
		if err != nil || len(raw) == 0 {
			continue
		}
		p, err := matching.ParsePattern(raw)
		if err != nil || !p.Match(event) {
			continue
		}
		targets, err := ruleTargets(ctx, m, r.ID)
		if err != nil {
			return "", err
		}
		for _, t := range targets {
			if err := s.deliver(ctx, rc, m, t, event); err != nil {
				s.log.Warn("event delivery failed", "rule", r.Meta("arn"), "target", t.Arn, "error", err)
			}
		}
	}
	return eventID, nil
}

// targetInput applies a target's Input or InputPath to event.
func targetInput(t target, event map[string]any) (string, error) {
	switch {
	case t.Input != "":
		return t.Input, nil
	case t.InputPath != "":
		values, err := matching.Lookup(event, t.InputPath)
		if err != nil {
			return "", err
		}
		if len(values) == 0 {
			return "null", nil
		}
		return oj.JSON(values[0], &oj.Options{Sort: true}), nil
	}
	return oj.JSON(event, &oj.Options{Sort: true}), nil
}

// deliver sends an event to one target. SQS queues, SNS topics and Lambda
// functions are supported.
func (s *Services) deliver(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, t target, event map[string]any) error {
	body, err := targetInput(t, event)
	if err != nil {
		return err
	}
	switch {
	case strings.HasPrefix(t.Arn, "arn:aws:sqs:"):
		q, err := m.Get(ctx, queueKey(arnName(t.Arn)))
		if err != nil {
			return err
		}
		_, err = enqueue(ctx, m, q, body, nil, 0)
		return err
	case strings.HasPrefix(t.Arn, "arn:aws:sns:"):
		topic, err := loadTopic(ctx, m, t.Arn)
		if err != nil {
			return err
		}
		return s.fanOut(ctx, rc, m, topic, id.UUID(), "", body, nil)
	case strings.HasPrefix(t.Arn, "arn:aws:lambda:"):
		name := arnName(t.Arn)
		s.executions.goAsync(func(ctx context.Context) {
			res, err := s.invoke(ctx, m, name, []byte(body))
			switch {
			case err != nil:
				s.log.Warn("event target invocation failed", "function", name, "error", err)
			case res.FunctionError != "":
				s.log.Info("event target returned an error", "function", name, "payload", string(res.Payload))
			}
		})
		return nil
	}
	return errors.New("unsupported target " + t.Arn)
}

type testPatternInput struct {
	EventPattern string
	Event        string
}

func evTestEventPattern(ctx context.Context, rc *protocol.RequestContext, m *lifecycle.Manager, in *testPatternInput) (any, error) {
	p, err := matching.ParsePattern([]byte(in.EventPattern))
	if err != nil {
		return nil, apierror.New("InvalidEventPatternException", http.StatusBadRequest, "Event pattern is not valid. Reason: %s", err)
	}
	ok, err := p.MatchJSON([]byte(in.Event))
	if err != nil {
		return nil, apierror.Validation("Parameter Event is not valid.")
	}
	return map[string]any{"Result": ok}, nil
}
