package scheduler

import (
	"errors"

	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
)

// ErrNoPortAvailable is returned when an offer has no port left that is distinct
// from every port currently assigned to a live task. The caller must decline the
// offer instead of launching a task without a usable port.
var ErrNoPortAvailable = errors.New("offer has no unassigned port")

// PortAllocator hands out one host port per task from the port ranges of a
// resource offer. Kibana tasks run with host networking, so a port may not be
// reused while any task holding it is still alive, cluster-wide. Unsynchronized,
// serialized by KibanaScheduler like the ledger.
type PortAllocator struct {
	assigned map[string]uint64 // task id -> host port
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		assigned: make(map[string]uint64),
	}
}

// Allocate scans the offer's port ranges in the order presented and records and
// returns the first port not assigned to any live task.
func (p *PortAllocator) Allocate(taskId string, offer *mesos.Offer) (uint64, error) {
	for _, resource := range offer.GetResources() {
		if resource.GetName() != "ports" {
			continue
		}

		for _, portRange := range resource.GetRanges().GetRange() {
			for port := portRange.GetBegin(); port < portRange.GetEnd(); port++ {
				if !p.inUse(port) {
					p.assigned[taskId] = port
					return port, nil
				}
			}
		}
	}
	return 0, ErrNoPortAvailable
}

// Release frees the port held by the task. Unknown ids are a no-op.
func (p *PortAllocator) Release(taskId string) {
	delete(p.assigned, taskId)
}

func (p *PortAllocator) Port(taskId string) (uint64, bool) {
	port, ok := p.assigned[taskId]
	return port, ok
}

// linear over assigned ports, fine for fleets of tens of tasks
func (p *PortAllocator) inUse(port uint64) bool {
	for _, assigned := range p.assigned {
		if assigned == port {
			return true
		}
	}
	return false
}
