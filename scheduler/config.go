package scheduler

import (
	"time"
)

// fixed resource shape of one Kibana instance. every launched task reserves
// exactly this much from its offer.
const (
	DockerImageName   = "kibana"
	RequiredCpu       = 0.1
	RequiredMem       = 128.0
	RequiredPortCount = uint64(1)
)

type SchedulerConfig struct {
	Master      string        // mesos master, "host:port" or "zk://host:port/mesos"
	User        string        // user name of the framework
	Name        string        // framework (scheduler) name
	ZkServers   []string      // zookeeper servers for requirement persistence, "host:port". empty disables persistence
	ZkTimeout   time.Duration // zookeeper session timeout
	FailoverSec float64       // framework failover timeout in seconds
}

func NewSchedulerConfig(master string, zkServers []string) *SchedulerConfig {
	return &SchedulerConfig{
		Master:      master,
		User:        "",
		Name:        "KibanaFramework",
		ZkServers:   zkServers,
		ZkTimeout:   time.Second * 3,
		FailoverSec: 0.0,
	}
}
