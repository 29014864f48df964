package storage

import (
	"log"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/philwinder/kibana/protocol"
	"github.com/philwinder/kibana/util"

	"time"
)

// the znode payload decodes through its own type, not the API schema
func TestStoredRequirementDecodesToState(t *testing.T) {
	bytes, err := protocol.ToBytes(&storedRequirement{
		ElasticSearch: "http://es1:9200",
		Required:      4,
		ModifiedMS:    util.NowInMS(),
	})
	assert.Equal(t, nil, err)

	stored, err := toStoredRequirement(bytes)
	assert.Equal(t, nil, err)

	state := stored.toState()
	assert.Equal(t, "http://es1:9200", state.ElasticSearch)
	assert.Equal(t, 4, state.Required)
	assert.Equal(t, 0, state.Running)
}

func TestZkRequirementStore(t *testing.T) {
	out, err := exec.Command("bash", "-c", "echo ruok | nc localhost 2181").Output()
	if err != nil || string(out) != "imok" {
		log.Println("zookeeper is not running on localhost:2181. Pass the test")
		return
	}

	servers := strings.Split("localhost:2181", ",")
	zk := NewZkRequirementStore(servers, "/test-kibana/requirement", time.Second*3)
	err = zk.Open()
	assert.Equal(t, nil, err)
	defer zk.Close()
	defer zk.DeleteAll()

	es1 := "http://es1:9200"
	es2 := "http://es2:9200/some/path"

	err = zk.Save(es1, 3)
	assert.Equal(t, nil, err)
	err = zk.Save(es2, 1)
	assert.Equal(t, nil, err)

	states, err := zk.Load()
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(states))

	required := make(map[string]int)
	for _, state := range states {
		required[state.ElasticSearch] = state.Required
	}
	assert.Equal(t, 3, required[es1])
	assert.Equal(t, 1, required[es2])

	// overwrite
	err = zk.Save(es1, 5)
	assert.Equal(t, nil, err)
	states, err = zk.Load()
	assert.Equal(t, nil, err)
	required = make(map[string]int)
	for _, state := range states {
		required[state.ElasticSearch] = state.Required
	}
	assert.Equal(t, 5, required[es1])

	// required <= 0 removes the entry, and removing twice is harmless
	err = zk.Save(es2, 0)
	assert.Equal(t, nil, err)
	err = zk.Save(es2, 0)
	assert.Equal(t, nil, err)

	states, err = zk.Load()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(states))
	assert.Equal(t, es1, states[0].ElasticSearch)
}
