package scheduler

import (
	"fmt"
	"testing"

	"github.com/gogo/protobuf/proto"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	mesosutil "github.com/mesos/mesos-go/api/v0/mesosutil"
	"github.com/stretchr/testify/assert"
)

func offerWithPorts(ranges ...*mesos.Value_Range) *mesos.Offer {
	return &mesos.Offer{
		Id:       mesosutil.NewOfferID("offer-ports"),
		SlaveId:  mesosutil.NewSlaveID("slave-0"),
		Hostname: proto.String("localhost"),
		Resources: []*mesos.Resource{
			mesosutil.NewScalarResource("cpus", 1.0),
			mesosutil.NewRangesResource("ports", ranges),
		},
	}
}

func TestAllocateScansRangesInOrder(t *testing.T) {
	ports := NewPortAllocator()
	offer := offerWithPorts(
		mesosutil.NewValueRange(31000, 31002),
		mesosutil.NewValueRange(32000, 32002),
	)

	port, err := ports.Allocate("t1", offer)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(31000), port)

	port, err = ports.Allocate("t2", offer)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(31001), port)

	// range end is exclusive, so the first range is now used up
	port, err = ports.Allocate("t3", offer)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(32000), port)
}

func TestAllocateFailsWhenExhausted(t *testing.T) {
	ports := NewPortAllocator()
	offer := offerWithPorts(mesosutil.NewValueRange(31000, 31001))

	port, err := ports.Allocate("t1", offer)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(31000), port)

	_, err = ports.Allocate("t2", offer)
	assert.Equal(t, ErrNoPortAvailable, err)

	// the failed attempt must not have recorded anything
	_, ok := ports.Port("t2")
	assert.False(t, ok)
}

func TestAllocateFailsWithoutPortResource(t *testing.T) {
	ports := NewPortAllocator()
	offer := &mesos.Offer{
		Id:      mesosutil.NewOfferID("offer-no-ports"),
		SlaveId: mesosutil.NewSlaveID("slave-0"),
		Resources: []*mesos.Resource{
			mesosutil.NewScalarResource("cpus", 1.0),
			mesosutil.NewScalarResource("mem", 512),
		},
	}

	_, err := ports.Allocate("t1", offer)
	assert.Equal(t, ErrNoPortAvailable, err)
}

func TestReleaseMakesPortReusable(t *testing.T) {
	ports := NewPortAllocator()
	offer := offerWithPorts(mesosutil.NewValueRange(31000, 31001))

	port, err := ports.Allocate("t1", offer)
	assert.Equal(t, nil, err)

	ports.Release("t1")
	ports.Release("t1") // idempotent

	reused, err := ports.Allocate("t2", offer)
	assert.Equal(t, nil, err)
	assert.Equal(t, port, reused)
}

func TestNoTwoLiveTasksShareAPort(t *testing.T) {
	ports := NewPortAllocator()
	offer := offerWithPorts(mesosutil.NewValueRange(31000, 31010))

	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		port, err := ports.Allocate(fmt.Sprintf("t%d", i), offer)
		assert.Equal(t, nil, err)
		assert.False(t, seen[port])
		seen[port] = true
	}
}
