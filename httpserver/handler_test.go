package httpserver

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/philwinder/kibana/ha"
	"github.com/philwinder/kibana/protocol"
	"github.com/philwinder/kibana/scheduler"
	"github.com/stretchr/testify/assert"
)

func newTestServer() *SchedulerServer {
	config := scheduler.NewSchedulerConfig("127.0.0.1:5050", nil)
	return NewSchedulerServer(scheduler.NewKibanaScheduler(config), nil, 9001)
}

func postRequirement(t *testing.T, server *SchedulerServer, change *protocol.RequirementChange) *httptest.ResponseRecorder {
	body, err := protocol.ToBytes(change)
	assert.Equal(t, nil, err)

	req := httptest.NewRequest(http.MethodPost, "/requirement", bytes.NewReader(body))
	recorder := httptest.NewRecorder()
	server.ChangeRequirement(recorder, req)
	return recorder
}

func TestChangeRequirement(t *testing.T) {
	server := newTestServer()

	recorder := postRequirement(t, server, &protocol.RequirementChange{
		ElasticSearch: "http://es1:9200",
		Delta:         3,
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/json", recorder.Header().Get("Content-Type"))

	body, _ := ioutil.ReadAll(recorder.Body)
	state, err := protocol.ToRequirementState(body)
	assert.Equal(t, nil, err)
	assert.Equal(t, "http://es1:9200", state.ElasticSearch)
	assert.Equal(t, 3, state.Required)
	assert.Equal(t, 0, state.Running)

	// a follow-up negative change accumulates
	recorder = postRequirement(t, server, &protocol.RequirementChange{
		ElasticSearch: "http://es1:9200",
		Delta:         -1,
	})
	assert.Equal(t, http.StatusOK, recorder.Code)
	body, _ = ioutil.ReadAll(recorder.Body)
	state, err = protocol.ToRequirementState(body)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, state.Required)
}

func TestChangeRequirementRejectsBadRequests(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/requirement", nil)
	recorder := httptest.NewRecorder()
	server.ChangeRequirement(recorder, req)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)

	req = httptest.NewRequest(http.MethodPost, "/requirement", bytes.NewReader([]byte("not json")))
	recorder = httptest.NewRecorder()
	server.ChangeRequirement(recorder, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postRequirement(t, server, &protocol.RequirementChange{Delta: 1})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestListRequirements(t *testing.T) {
	server := newTestServer()
	postRequirement(t, server, &protocol.RequirementChange{ElasticSearch: "http://es1:9200", Delta: 2})
	postRequirement(t, server, &protocol.RequirementChange{ElasticSearch: "http://es2:9200", Delta: 1})

	req := httptest.NewRequest(http.MethodGet, "/requirements", nil)
	recorder := httptest.NewRecorder()
	server.ListRequirements(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var states []*protocol.RequirementState
	body, _ := ioutil.ReadAll(recorder.Body)
	assert.Equal(t, nil, json.Unmarshal(body, &states))
	assert.Equal(t, 2, len(states))
	assert.Equal(t, "http://es1:9200", states[0].ElasticSearch)
	assert.Equal(t, 2, states[0].Required)
}

type fakeElector struct{}

func (f *fakeElector) ElectLeader() error { return nil }
func (f *fakeElector) Close()             {}

func TestStandbyKeepsSchedulerDownUntilElected(t *testing.T) {
	self := &ha.Host{Ip: "scheduler-a", Port: 9001}
	server := newTestServer().WithElector(&fakeElector{}, self)

	// another instance won : this one stays a standby
	server.LeaderElected(&ha.Host{Ip: "scheduler-b", Port: 9001})
	assert.False(t, server.schedulerStarted())

	// losing a foreign leader does not touch the standby either
	server.LeaderLost(&ha.Host{Ip: "scheduler-b", Port: 9001})
	assert.False(t, server.schedulerStarted())

	server.LeaderElected(&ha.Host{Ip: "scheduler-a", Port: 9001})
	assert.True(t, server.schedulerStarted())
}

func TestListTasksEmpty(t *testing.T) {
	server := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/tasks", nil)
	recorder := httptest.NewRecorder()
	server.ListTasks(recorder, req)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "[]", recorder.Body.String())
}
