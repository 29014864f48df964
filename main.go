package main

import (
	"flag"
	"os"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/philwinder/kibana/ha"
	"github.com/philwinder/kibana/httpserver"
	"github.com/philwinder/kibana/scheduler"
)

var (
	master = flag.String("master", "",
		"mesos master, \"host:port\" or \"zk://host:port/mesos\". required")
	es = flag.String("es", "",
		"ElasticSearch URLs to start one Kibana instance for, ex. \"http://host:port;http://host:port\"")
	apiPort = flag.Int("api_port", 9001,
		"TCP port for the JSON API service")
	zk = flag.String("zk", "",
		"zookeeper servers for requirement persistence and leader election, \"host:port[,host:port]\". empty disables both")
)

func main() {
	flag.Parse()

	if *master == "" {
		log.Fatal("mesos master address is required (-master)")
	}

	var zkServers []string
	if *zk != "" {
		zkServers = strings.Split(*zk, ",")
	}

	config := scheduler.NewSchedulerConfig(*master, zkServers)
	kibana := scheduler.NewKibanaScheduler(config)

	// every URL passed at launch starts out requiring one instance
	for _, url := range strings.Split(*es, ";") {
		if url != "" {
			kibana.ChangeRequirement(url, 1)
		}
	}

	server := httpserver.NewSchedulerServer(kibana, nil, *apiPort)
	if len(zkServers) > 0 {
		hostname, err := os.Hostname()
		if err != nil {
			log.Fatal(err)
		}
		self := &ha.Host{Ip: hostname, Port: *apiPort}
		elector, err := ha.NewZkLeaderElection(zkServers, "/kibana-scheduler/election",
			self, server, time.Second*3)
		if err != nil {
			log.Fatal("failed to set up leader election : ", err)
		}
		server = server.WithElector(elector, self)
	}

	server.Start()
}
