package main

// small client for the scheduler's management API, ex. :
//   go run scale.go -api http://localhost:9001 -es http://es1:9200 -delta 2
// a negative delta scales the Kibana fleet for that ElasticSearch down again.

import (
	"bytes"
	"flag"
	"io/ioutil"
	"net/http"

	log "github.com/golang/glog"
	"github.com/philwinder/kibana/protocol"
)

var (
	api   = flag.String("api", "http://localhost:9001", "management API address")
	es    = flag.String("es", "", "ElasticSearch URL to scale Kibana for")
	delta = flag.Int("delta", 1, "change of the required instance count")
)

func main() {
	flag.Parse()
	if *es == "" {
		log.Fatal("ElasticSearch URL is required (-es)")
	}

	body, err := protocol.ToBytes(&protocol.RequirementChange{
		ElasticSearch: *es,
		Delta:         *delta,
	})
	if err != nil {
		log.Fatal(err)
	}

	res, err := http.Post(*api+"/requirement", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatal(err)
	}
	defer res.Body.Close()

	resBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		log.Fatal(err)
	}

	state, err := protocol.ToRequirementState(resBody)
	if err != nil {
		log.Fatalf("unexpected response (%v) : %s", res.Status, resBody)
	}
	log.Infoln("now requiring", state.Required, "instances for", state.ElasticSearch,
		"(", state.Running, "running )")
	log.Flush()
}
