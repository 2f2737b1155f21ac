package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishRequestValidation(t *testing.T) {
	assert.NoError(t, Struct(PublishRequest{Channel: "ops", FromAgent: "scheduler", ToAgent: "grader", Kind: "grade_request", Priority: 5}))
	assert.Error(t, Struct(PublishRequest{Channel: "", FromAgent: "scheduler", Kind: "grade_request", Priority: 5}))
	assert.Error(t, Struct(PublishRequest{Channel: "ops", FromAgent: "", Kind: "grade_request", Priority: 5}))
	assert.Error(t, Struct(PublishRequest{Channel: "ops", FromAgent: "scheduler", Kind: "grade_request", Priority: 0}))
	assert.Error(t, Struct(PublishRequest{Channel: "ops", FromAgent: "scheduler", Kind: "grade_request", Priority: 11}))
}

func TestEnqueueRequestValidation(t *testing.T) {
	assert.NoError(t, Struct(EnqueueRequest{AgentID: "grader", Kind: "grade", Priority: 8}))
	assert.Error(t, Struct(EnqueueRequest{AgentID: "grader", Kind: "", Priority: 8}))
}

func TestCreateSessionRequestValidation(t *testing.T) {
	assert.NoError(t, Struct(CreateSessionRequest{UserID: "user-1", Agents: []string{"tutor"}}))
	assert.Error(t, Struct(CreateSessionRequest{UserID: "", Agents: []string{"tutor"}}))
	assert.Error(t, Struct(CreateSessionRequest{UserID: "user-1", Agents: []string{}}))
	assert.Error(t, Struct(CreateSessionRequest{UserID: "user-1", Agents: []string{""}}))
}
