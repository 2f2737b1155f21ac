package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchesAll(t *testing.T) {
	sub := &Subscription{Type: TypeAll}
	assert.True(t, matches(sub, Event{Channel: "agent.scheduler", Data: json.RawMessage(`{}`)}))
	assert.True(t, matches(sub, Event{Channel: "agent.grader", Data: json.RawMessage(`{"recipient":"someone-else"}`)}))
}

func TestMatchesDirect(t *testing.T) {
	sub := &Subscription{Type: TypeDirect, AgentID: "agent-1"}
	assert.True(t, matches(sub, Event{Data: json.RawMessage(`{"recipient":"agent-1"}`)}))
	assert.False(t, matches(sub, Event{Data: json.RawMessage(`{"recipient":"agent-2"}`)}))
	assert.False(t, matches(sub, Event{Data: json.RawMessage(`{}`)}))
}

func TestMatchesPattern(t *testing.T) {
	sub := &Subscription{Type: TypePattern, Pattern: `"kind":"grade"`}
	assert.True(t, matches(sub, Event{Data: json.RawMessage(`{"kind":"grade","score":95}`)}))
	assert.False(t, matches(sub, Event{Data: json.RawMessage(`{"kind":"enroll"}`)}))
}

func TestMatchesPatternEmptyNeverMatches(t *testing.T) {
	sub := &Subscription{Type: TypePattern, Pattern: ""}
	assert.False(t, matches(sub, Event{Data: json.RawMessage(`{"anything":true}`)}))
}

func TestNotifyDispatchesToMatchingSubscribersOnly(t *testing.T) {
	s := New(nil, nil)

	var direct, all []string
	s.byChannel["course.events"] = []*Subscription{
		{AgentID: "grader", Channel: "course.events", Type: TypeDirect, callback: func(ctx context.Context, ev Event) error {
			direct = append(direct, ev.Kind)
			return nil
		}},
		{AgentID: "auditor", Channel: "course.events", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			all = append(all, ev.Kind)
			return nil
		}},
	}

	fanout := s.Notify(context.Background(), Event{
		Channel: "course.events",
		Kind:    "submission.graded",
		Data:    json.RawMessage(`{"recipient":"grader"}`),
	})

	assert.Equal(t, 2, fanout)
	assert.Equal(t, []string{"submission.graded"}, direct)
	assert.Equal(t, []string{"submission.graded"}, all)
}

func TestNotifyIgnoresOtherChannels(t *testing.T) {
	s := New(nil, nil)
	called := false
	s.byChannel["course.events"] = []*Subscription{
		{AgentID: "a", Channel: "course.events", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			called = true
			return nil
		}},
	}

	fanout := s.Notify(context.Background(), Event{Channel: "other.events", Kind: "x", Data: json.RawMessage(`{}`)})
	assert.Equal(t, 0, fanout)
	assert.False(t, called)
}

func TestNotifyIsolatesCallbackFailureAndPanic(t *testing.T) {
	s := New(nil, nil)
	secondCalled := false
	s.byChannel["ch"] = []*Subscription{
		{AgentID: "fails", Channel: "ch", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			return errors.New("boom")
		}},
		{AgentID: "panics", Channel: "ch", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			panic("kaboom")
		}},
		{AgentID: "ok", Channel: "ch", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			secondCalled = true
			return nil
		}},
	}

	assert.NotPanics(t, func() {
		fanout := s.Notify(context.Background(), Event{Channel: "ch", Kind: "k", Data: json.RawMessage(`{}`)})
		assert.Equal(t, 3, fanout)
	})
	assert.True(t, secondCalled)
}

func TestNotifyRunsEventHandlersBeforeFanout(t *testing.T) {
	s := New(nil, nil)
	var order []string
	s.RegisterEventHandler("enroll", func(ctx context.Context, ev Event) {
		order = append(order, "handler")
	})
	s.byChannel["ch"] = []*Subscription{
		{AgentID: "a", Channel: "ch", Type: TypeAll, callback: func(ctx context.Context, ev Event) error {
			order = append(order, "subscriber")
			return nil
		}},
	}

	s.Notify(context.Background(), Event{Channel: "ch", Kind: "enroll", Data: json.RawMessage(`{}`)})
	assert.Equal(t, []string{"handler", "subscriber"}, order)
}

func TestReplaceForAgentKeepsOthers(t *testing.T) {
	subs := []*Subscription{
		{AgentID: "a"}, {AgentID: "b"}, {AgentID: "a"},
	}
	kept := replaceForAgent(subs, "a")
	assert.Len(t, kept, 1)
	assert.Equal(t, "b", kept[0].AgentID)
}
