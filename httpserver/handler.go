package httpserver

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	log "github.com/golang/glog"
	"github.com/philwinder/kibana/ha"
	"github.com/philwinder/kibana/protocol"
	"github.com/philwinder/kibana/scheduler"
)

// SchedulerServer is the management boundary : a JSON API that forwards
// requirement changes to the scheduler and exposes its bookkeeping state.
// With a non-nil elector it also takes part in leader election, so a standby
// instance can be run next to the active one. A standby keeps its driver down
// until it wins the election; two running drivers would register two separate
// frameworks and double the fleet.
type SchedulerServer struct {
	scheduler *scheduler.KibanaScheduler
	elector   ha.LeaderElection
	self      *ha.Host
	port      int

	startLock sync.Mutex
	started   bool
}

func NewSchedulerServer(scheduler *scheduler.KibanaScheduler, elector ha.LeaderElection, port int) *SchedulerServer {
	return &SchedulerServer{
		scheduler: scheduler,
		elector:   elector,
		port:      port,
	}
}

func (s *SchedulerServer) WithElector(elector ha.LeaderElection, self *ha.Host) *SchedulerServer {
	s.elector = elector
	s.self = self
	return s
}

func (s *SchedulerServer) Start() {
	if s.elector == nil {
		s.startScheduler()
	} else {
		// standby until elected; LeaderElected starts the driver
		go s.elector.ElectLeader()
	}
	go s.captureInterrupt()

	http.HandleFunc("/requirement", s.ChangeRequirement)
	http.HandleFunc("/requirements", s.ListRequirements)
	http.HandleFunc("/tasks", s.ListTasks)
	http.ListenAndServe(fmt.Sprintf(":%d", s.port), nil)
}

func (s *SchedulerServer) captureInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	signal.Notify(ch, syscall.SIGTERM)

	select {
	case <-ch:
		log.Infoln("Interruption received. Pre-quit cleanup for http server...")
		// scheduler captures the signal and does its own cleanup
		if s.elector != nil {
			s.elector.Close()
		}
		signal.Stop(ch)
	}
}

// ChangeRequirement accepts {"elasticsearch": url, "delta": n} and returns the
// resulting requirement state for that URL.
func (s *SchedulerServer) ChangeRequirement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "requirement changes must be POSTed", http.StatusMethodNotAllowed)
		return
	}

	body, err := ioutil.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	change, err := protocol.ToRequirementChange(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if change.ElasticSearch == "" {
		http.Error(w, "elasticsearch url is required", http.StatusBadRequest)
		return
	}

	required := s.scheduler.ChangeRequirement(change.ElasticSearch, change.Delta)
	log.Infoln("Changed requirement for", change.ElasticSearch, "by", change.Delta, ", now requiring", required)

	state := &protocol.RequirementState{
		ElasticSearch: change.ElasticSearch,
		Required:      required,
	}
	for _, current := range s.scheduler.Requirements() {
		if current.ElasticSearch == change.ElasticSearch {
			state.Running = current.Running
		}
	}
	s.writeJson(w, state)
}

func (s *SchedulerServer) ListRequirements(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, s.scheduler.Requirements())
}

func (s *SchedulerServer) ListTasks(w http.ResponseWriter, r *http.Request) {
	s.writeJson(w, s.scheduler.Tasks())
}

func (s *SchedulerServer) writeJson(w http.ResponseWriter, body interface{}) {
	res, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(res)
}

// LeaderStatusUpdater callbacks. The standby keeps serving reads but holds its
// driver back until it is elected itself.
func (s *SchedulerServer) LeaderElected(newLeader *ha.Host) {
	log.Infoln("Leader elected :", newLeader)
	if s.isSelf(newLeader) {
		s.startScheduler()
	}
}

func (s *SchedulerServer) LeaderLost(oldLeader *ha.Host) {
	log.Infoln("Leader lost :", oldLeader)
	// losing our own leadership means the zk session died; abort the driver so
	// the new leader is the only registered framework. The process stays up
	// serving reads and must be restarted to campaign again.
	if s.isSelf(oldLeader) && s.schedulerStarted() {
		s.scheduler.Stop()
	}
}

func (s *SchedulerServer) isSelf(host *ha.Host) bool {
	return s.self != nil && host != nil && *host == *s.self
}

func (s *SchedulerServer) startScheduler() {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.scheduler.Start()
}

func (s *SchedulerServer) schedulerStarted() bool {
	s.startLock.Lock()
	defer s.startLock.Unlock()
	return s.started
}
