package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, src string) *Definition {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	return def
}

func run(t *testing.T, in *Interpreter, def, input string) (string, error) {
	t.Helper()
	data, err := Decode([]byte(input))
	require.NoError(t, err)
	out, err := in.Run(context.Background(), mustParse(t, def), Execution{ID: "exec-1", Name: "run", Input: data})
	if err != nil {
		return "", err
	}
	return string(Encode(out)), nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		def  string
	}{
		{"not json", `{`},
		{"no start", `{"States":{"A":{"Type":"Succeed"}}}`},
		{"missing start state", `{"StartAt":"B","States":{"A":{"Type":"Succeed"}}}`},
		{"unknown type", `{"StartAt":"A","States":{"A":{"Type":"Dance","End":true}}}`},
		{"next and end", `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"A","End":true}}}`},
		{"neither next nor end", `{"StartAt":"A","States":{"A":{"Type":"Pass"}}}`},
		{"dangling next", `{"StartAt":"A","States":{"A":{"Type":"Pass","Next":"Z"}}}`},
		{"task without resource", `{"StartAt":"A","States":{"A":{"Type":"Task","End":true}}}`},
		{"empty choices", `{"StartAt":"A","States":{"A":{"Type":"Choice","Choices":[]}}}`},
		{"wait without duration", `{"StartAt":"A","States":{"A":{"Type":"Wait","End":true}}}`},
		{"bad branch", `{"StartAt":"A","States":{"A":{"Type":"Parallel","End":true,"Branches":[{"StartAt":"X","States":{}}]}}}`},
		{"map without processor", `{"StartAt":"A","States":{"A":{"Type":"Map","End":true}}}`},
		{"dangling catch", `{"StartAt":"A","States":{"A":{"Type":"Task","Resource":"r","End":true,"Catch":[{"ErrorEquals":["States.ALL"],"Next":"Z"}]}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.def))
			assert.ErrorIs(t, err, ErrInvalidDefinition)
		})
	}
}

func TestRun_PassAndPaths(t *testing.T) {
	in := New(nil)
	tests := []struct {
		name  string
		def   string
		input string
		want  string
	}{
		{
			name:  "pass through",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","End":true}}}`,
			input: `{"x":1}`,
			want:  `{"x":1}`,
		},
		{
			name:  "result at path",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","Result":{"ok":true},"ResultPath":"$.status","End":true}}}`,
			input: `{"x":1}`,
			want:  `{"status":{"ok":true},"x":1}`,
		},
		{
			name:  "null result path keeps input",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","Result":"dropped","ResultPath":null,"End":true}}}`,
			input: `{"x":1}`,
			want:  `{"x":1}`,
		},
		{
			name:  "input and output path",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","InputPath":"$.inner","OutputPath":"$.v","End":true}}}`,
			input: `{"inner":{"v":"deep"}}`,
			want:  `"deep"`,
		},
		{
			name:  "parameters with paths and intrinsics",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","Parameters":{"greeting.$":"States.Format('Hello, {}!', $.name)","fixed":7,"exec.$":"$$.Execution.Id","nested":{"n.$":"$.n"}},"End":true}}}`,
			input: `{"name":"Ada","n":3}`,
			want:  `{"exec":"exec-1","fixed":7,"greeting":"Hello, Ada!","nested":{"n":3}}`,
		},
		{
			name:  "chained states",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","Result":1,"ResultPath":"$.a","Next":"B"},"B":{"Type":"Pass","Result":2,"ResultPath":"$.b","Next":"C"},"C":{"Type":"Succeed"}}}`,
			input: `{}`,
			want:  `{"a":1,"b":2}`,
		},
		{
			name:  "json intrinsics",
			def:   `{"StartAt":"A","States":{"A":{"Type":"Pass","Parameters":{"parsed.$":"States.StringToJson($.raw)","text.$":"States.JsonToString($.obj)","arr.$":"States.Array(1, 'two', $.n)","len.$":"States.ArrayLength($.list)","sum.$":"States.MathAdd($.n, 10)"},"End":true}}}`,
			input: `{"raw":"{\"k\":1}","obj":{"b":2,"a":1},"n":5,"list":[1,2,3]}`,
			want:  `{"arr":[1,"two",5],"len":3,"parsed":{"k":1},"sum":15,"text":"{\"a\":1,\"b\":2}"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, in, tt.def, tt.input)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestRun_Choice(t *testing.T) {
	def := `{
		"StartAt": "Route",
		"States": {
			"Route": {
				"Type": "Choice",
				"Choices": [
					{"And": [
						{"Variable": "$.kind", "StringEquals": "order"},
						{"Variable": "$.total", "NumericGreaterThan": 100}
					], "Next": "Big"},
					{"Variable": "$.kind", "StringMatches": "ord*", "Next": "Small"},
					{"Not": {"Variable": "$.flag", "IsPresent": true}, "Next": "NoFlag"},
					{"Variable": "$.flag", "BooleanEquals": true, "Next": "Flagged"}
				],
				"Default": "Other"
			},
			"Big":     {"Type": "Pass", "Result": "big", "End": true},
			"Small":   {"Type": "Pass", "Result": "small", "End": true},
			"NoFlag":  {"Type": "Pass", "Result": "noflag", "End": true},
			"Flagged": {"Type": "Pass", "Result": "flagged", "End": true},
			"Other":   {"Type": "Pass", "Result": "other", "End": true}
		}
	}`
	tests := []struct {
		input string
		want  string
	}{
		{`{"kind":"order","total":150}`, `"big"`},
		{`{"kind":"order","total":5}`, `"small"`},
		{`{"kind":"ordinal","total":500}`, `"small"`},
		{`{"kind":"refund"}`, `"noflag"`},
		{`{"kind":"refund","flag":true}`, `"flagged"`},
		{`{"kind":"refund","flag":false}`, `"other"`},
	}
	in := New(nil)
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := run(t, in, def, tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_ChoiceWithoutMatchFails(t *testing.T) {
	def := `{"StartAt":"C","States":{"C":{"Type":"Choice","Choices":[{"Variable":"$.x","NumericEquals":1,"Next":"D"}]},"D":{"Type":"Succeed"}}}`
	_, err := run(t, New(nil), def, `{"x":2}`)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ErrNoChoiceMatched, f.Name)
}

func TestRun_FailState(t *testing.T) {
	def := `{"StartAt":"F","States":{"F":{"Type":"Fail","Error":"Custom.Bad","Cause":"it broke"}}}`
	_, err := run(t, New(nil), def, `{}`)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, &Failure{Name: "Custom.Bad", Cause: "it broke"}, f)
}

func TestRun_TaskResultProcessing(t *testing.T) {
	var gotResource string
	var gotInput any
	task := func(_ context.Context, resource string, input any) (any, error) {
		gotResource, gotInput = resource, input
		return map[string]any{"Payload": map[string]any{"doubled": int64(42)}, "StatusCode": int64(200)}, nil
	}
	def := `{"StartAt":"T","States":{"T":{
		"Type":"Task",
		"Resource":"arn:aws:states:::lambda:invoke",
		"Parameters":{"FunctionName":"double","Payload":{"n.$":"$.n"}},
		"ResultSelector":{"value.$":"$.Payload.doubled"},
		"ResultPath":"$.result",
		"End":true}}}`

	got, err := run(t, New(task), def, `{"n":21}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":21,"result":{"value":42}}`, got)
	assert.Equal(t, "arn:aws:states:::lambda:invoke", gotResource)
	assert.Equal(t, map[string]any{"FunctionName": "double", "Payload": map[string]any{"n": int64(21)}}, gotInput)
}

func TestRun_RetryThenSucceed(t *testing.T) {
	var (
		calls  int
		delays []time.Duration
	)
	task := func(context.Context, string, any) (any, error) {
		calls++
		if calls < 3 {
			return nil, &Failure{Name: "Lambda.ServiceException", Cause: "flaky"}
		}
		return "ok", nil
	}
	sleep := func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	def := `{"StartAt":"T","States":{"T":{"Type":"Task","Resource":"fn","End":true,
		"Retry":[{"ErrorEquals":["Lambda.ServiceException"],"IntervalSeconds":1,"MaxAttempts":3,"BackoffRate":2}]}}}`

	got, err := run(t, New(task, WithSleep(sleep)), def, `{}`)
	require.NoError(t, err)
	assert.Equal(t, `"ok"`, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRun_RetryExhaustedThenCatch(t *testing.T) {
	calls := 0
	task := func(context.Context, string, any) (any, error) {
		calls++
		return nil, errors.New("boom")
	}
	def := `{"StartAt":"T","States":{
		"T":{"Type":"Task","Resource":"fn","Next":"Done",
			"Retry":[{"ErrorEquals":["States.TaskFailed"],"MaxAttempts":2}],
			"Catch":[{"ErrorEquals":["States.ALL"],"ResultPath":"$.error","Next":"Recovered"}]},
		"Done":{"Type":"Succeed"},
		"Recovered":{"Type":"Pass","End":true}}}`

	got, err := run(t, New(task, WithSleep(noSleep)), def, `{"id":9}`)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.JSONEq(t, `{"id":9,"error":{"Error":"States.TaskFailed","Cause":"boom"}}`, got)
}

func TestRun_TaskWithoutRunnerFails(t *testing.T) {
	def := `{"StartAt":"T","States":{"T":{"Type":"Task","Resource":"fn","End":true}}}`
	_, err := run(t, New(nil), def, `{}`)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ErrTaskFailed, f.Name)
}

func TestRun_Wait(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		state string
		input string
		want  time.Duration
	}{
		{"seconds", `{"Type":"Wait","Seconds":5,"End":true}`, `{}`, 5 * time.Second},
		{"seconds path", `{"Type":"Wait","SecondsPath":"$.delay","End":true}`, `{"delay":2}`, 2 * time.Second},
		{"timestamp", `{"Type":"Wait","Timestamp":"2026-01-01T00:00:10Z","End":true}`, `{}`, 10 * time.Second},
		{"capped", `{"Type":"Wait","Seconds":3600,"End":true}`, `{}`, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var slept time.Duration
			in := New(nil,
				WithMaxWait(time.Minute),
				WithClock(func() time.Time { return now }),
				WithSleep(func(_ context.Context, d time.Duration) error { slept = d; return nil }))
			got, err := run(t, in, `{"StartAt":"W","States":{"W":`+tt.state+`}}`, tt.input)
			require.NoError(t, err)
			assert.JSONEq(t, tt.input, got)
			assert.Equal(t, tt.want, slept)
		})
	}
}

func TestRun_ParallelAndMap(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	task := func(_ context.Context, resource string, input any) (any, error) {
		mu.Lock()
		seen[resource]++
		mu.Unlock()
		n, _ := number(input)
		return int64(n) * 10, nil
	}
	def := `{"StartAt":"P","States":{
		"P":{"Type":"Parallel","Next":"M","ResultPath":"$.branches","Branches":[
			{"StartAt":"A","States":{"A":{"Type":"Pass","Result":"left","End":true}}},
			{"StartAt":"B","States":{"B":{"Type":"Task","Resource":"times10","InputPath":"$.seed","End":true}}}
		]},
		"M":{"Type":"Map","ItemsPath":"$.items","MaxConcurrency":2,"ResultPath":"$.mapped","End":true,
			"ItemSelector":{"v.$":"$$.Map.Item.Value","i.$":"$$.Map.Item.Index"},
			"ItemProcessor":{"StartAt":"X","States":{"X":{"Type":"Task","Resource":"times10","InputPath":"$.v","End":true}}}}
	}}`

	got, err := run(t, New(task), def, `{"seed":1,"items":[1,2,3]}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"seed":1,"items":[1,2,3],"branches":["left",10],"mapped":[10,20,30]}`, got)
	assert.Equal(t, 4, seen["times10"])
}

func TestRun_MapFailurePropagates(t *testing.T) {
	task := func(_ context.Context, _ string, input any) (any, error) {
		if n, _ := number(input); n == 2 {
			return nil, &Failure{Name: "Item.Bad", Cause: "two"}
		}
		return input, nil
	}
	def := `{"StartAt":"M","States":{"M":{"Type":"Map","End":true,
		"Iterator":{"StartAt":"X","States":{"X":{"Type":"Task","Resource":"fn","End":true}}}}}}`

	_, err := run(t, New(task), def, `[1,2,3]`)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "Item.Bad", f.Name)
}

func TestRun_ExecutionTimeout(t *testing.T) {
	def := `{"StartAt":"W","TimeoutSeconds":1,"States":{"W":{"Type":"Wait","Seconds":10,"End":true}}}`
	in := New(nil, WithSleep(func(ctx context.Context, _ time.Duration) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	_, err := run(t, in, def, `{}`)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, ErrTimeout, f.Name)
}

func TestRun_PathErrors(t *testing.T) {
	tests := []struct {
		name string
		def  string
		want string
	}{
		{
			name: "missing input path",
			def:  `{"StartAt":"A","States":{"A":{"Type":"Pass","InputPath":"$.nope","End":true}}}`,
			want: ErrRuntime,
		},
		{
			name: "bad intrinsic",
			def:  `{"StartAt":"A","States":{"A":{"Type":"Pass","Parameters":{"x.$":"States.Format('{} {}', $.a)"},"End":true}}}`,
			want: ErrIntrinsicFailure,
		},
		{
			name: "runtime errors are not caught by States.ALL",
			def:  `{"StartAt":"A","States":{"A":{"Type":"Task","Resource":"fn","InputPath":"$.nope","End":true,"Catch":[{"ErrorEquals":["States.ALL"],"Next":"B"}]},"B":{"Type":"Succeed"}}}`,
			want: ErrRuntime,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, New(func(context.Context, string, any) (any, error) { return nil, nil }), tt.def, `{"a":1}`)
			var f *Failure
			require.ErrorAs(t, err, &f)
			assert.Equal(t, tt.want, f.Name)
		})
	}
}

func TestWildcard(t *testing.T) {
	tests := []struct {
		pattern, s string
		want       bool
	}{
		{"*.log", "app.log", true},
		{"*.log", "app.txt", false},
		{"log-*-done", "log-42-done", true},
		{`literal\*`, "literal*", true},
		{`literal\*`, "literalx", false},
		{"a*a", "a", false},
		{"exact", "exact", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, wildcard(tt.pattern, tt.s), "%s vs %s", tt.pattern, tt.s)
	}
}
