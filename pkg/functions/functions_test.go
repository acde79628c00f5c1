package functions

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke(t *testing.T) {
	rt := New()
	tests := []struct {
		name     string
		source   string
		handler  string
		event    string
		env      map[string]string
		want     string
		errType  string
		contains string
	}{
		{
			name:    "exports handler",
			source:  `exports.handler = function(event) { return {greeting: "hello " + event.name}; };`,
			handler: "index.handler",
			event:   `{"name":"emu"}`,
			want:    `{"greeting":"hello emu"}`,
		},
		{
			name:    "module.exports with promise",
			source:  `module.exports.run = (event) => Promise.resolve(event.n).then((n) => n * 2);`,
			handler: "index.run",
			event:   `{"n":21}`,
			want:    `42`,
		},
		{
			name:    "global function",
			source:  `function handler(event, ctx) { return ctx.functionName; }`,
			handler: "handler",
			want:    `"fn"`,
		},
		{
			name:    "environment",
			source:  `exports.handler = () => process.env.STAGE;`,
			handler: "index.handler",
			env:     map[string]string{"STAGE": "dev"},
			want:    `"dev"`,
		},
		{
			name:    "undefined result",
			source:  `exports.handler = () => {};`,
			handler: "index.handler",
			want:    `null`,
		},
		{
			name:     "throw",
			source:   `exports.handler = () => { throw new TypeError("bad input"); };`,
			handler:  "index.handler",
			errType:  "TypeError",
			contains: "bad input",
		},
		{
			name:     "rejected promise",
			source:   `exports.handler = () => Promise.reject(new Error("nope"));`,
			handler:  "index.handler",
			errType:  "Error",
			contains: "nope",
		},
		{
			name:     "missing export",
			source:   `exports.other = () => 1;`,
			handler:  "index.handler",
			errType:  "Error",
			contains: "not an exported function",
		},
		{
			name:     "syntax error",
			source:   `exports.handler = (`,
			handler:  "index.handler",
			errType:  ErrorSyntax,
			contains: "SyntaxError",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := rt.Invoke(context.Background(), Invocation{
				FunctionName: "fn",
				RequestID:    "req-1",
				Source:       tt.source,
				Handler:      tt.handler,
				Event:        []byte(tt.event),
				Env:          tt.env,
			})
			require.NoError(t, err)
			if tt.errType == "" {
				assert.Empty(t, res.FunctionError)
				assert.JSONEq(t, tt.want, string(res.Payload))
				return
			}
			assert.Equal(t, ErrorUnhandled, res.FunctionError)
			var ep errorPayload
			require.NoError(t, json.Unmarshal(res.Payload, &ep))
			assert.Equal(t, tt.errType, ep.ErrorType)
			assert.Contains(t, ep.ErrorMessage, tt.contains)
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	rt := New(WithTimeout(50 * time.Millisecond))
	res, err := rt.Invoke(context.Background(), Invocation{
		FunctionName: "spin",
		Source:       `exports.handler = () => { for (;;) {} };`,
		Handler:      "index.handler",
	})
	require.NoError(t, err)
	assert.Equal(t, ErrorUnhandled, res.FunctionError)
	assert.Contains(t, string(res.Payload), "Task timed out")
}

func TestInvoke_ConsoleOutput(t *testing.T) {
	rt := New()
	res, err := rt.Invoke(context.Background(), Invocation{
		FunctionName: "chatty",
		Source:       `exports.handler = (e) => { console.log("got", e.id); console.error("oops"); return 1; };`,
		Handler:      "index.handler",
		Event:        []byte(`{"id":7}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"LOG\tgot 7", "ERROR\toops"}, res.Logs)
}

func TestInvoke_IsolatedRuntimes(t *testing.T) {
	rt := New()
	src := `var counter = (globalThis.counter || 0) + 1; globalThis.counter = counter; exports.handler = () => counter;`
	for range 2 {
		res, err := rt.Invoke(context.Background(), Invocation{FunctionName: "c", Source: src, Handler: "index.handler"})
		require.NoError(t, err)
		assert.Equal(t, "1", string(res.Payload))
	}
}

func TestInvoke_SourceTooLarge(t *testing.T) {
	_, err := New().Invoke(context.Background(), Invocation{Source: strings.Repeat("x", MaxSourceSize+1)})
	assert.ErrorIs(t, err, ErrSourceTooLarge)
}
