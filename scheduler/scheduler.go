package scheduler

import (
	"github.com/gogo/protobuf/proto"

	"fmt"
	log "github.com/golang/glog"
	mesos "github.com/mesos/mesos-go/api/v0/mesosproto"
	mesosutil "github.com/mesos/mesos-go/api/v0/mesosutil"
	sched "github.com/mesos/mesos-go/api/v0/scheduler"
	"github.com/philwinder/kibana/protocol"
	"github.com/philwinder/kibana/storage"
	"github.com/philwinder/kibana/util"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
)

type SchedulerStatus int8

const (
	SCHEDULER_STATUS_RUNNING = SchedulerStatus(0)
	SCHEDULER_STATUS_STOPPED = SchedulerStatus(1)
)

// KibanaScheduler keeps the number of running Kibana instances per ElasticSearch
// URL matched to the required count. Offers delivered by mesos are matched one
// launch per offer against the positive requirement deltas; negative deltas
// trigger kill requests for the youngest tasks. The required counts themselves
// are mutated from the management API and optionally persisted to zookeeper.
type KibanaScheduler struct {
	config    *SchedulerConfig
	ledger    *RequirementLedger
	ports     *PortAllocator
	reqStore  storage.RequirementStore // nil when no zk servers are configured
	storeOpen bool

	// a single lock serializes ledger and port allocator access between the
	// driver callbacks and the management API. requirement deltas read across
	// both maps and must see a consistent snapshot.
	stateLock *sync.Mutex

	resourceLock *sync.Mutex // general lock for Start/Stop
	status       SchedulerStatus
	quit         chan struct{}
	driver       sched.SchedulerDriver
	taskSeq      int64
}

func NewKibanaScheduler(config *SchedulerConfig) *KibanaScheduler {
	var reqStore storage.RequirementStore
	if len(config.ZkServers) > 0 {
		reqStore = storage.NewZkRequirementStore(config.ZkServers, "/kibana-scheduler/requirement", config.ZkTimeout)
	}

	return &KibanaScheduler{
		config:       config,
		ledger:       NewRequirementLedger(),
		ports:        NewPortAllocator(),
		reqStore:     reqStore,
		stateLock:    &sync.Mutex{},
		resourceLock: &sync.Mutex{},
		status:       SCHEDULER_STATUS_STOPPED,
		quit:         make(chan struct{}),
	}
}

// Start the scheduler. It will block unless a non-nil error returned.
// it is the caller's responsibility to call Stop() method to release resources.
func (s *KibanaScheduler) Start() error {
	if err := util.Cascade(
		s.openStore(),
		s.initDriver()); err != nil {
		return err
	}

	go s.captureInterrupt()

	s.resourceLock.Lock()
	s.setStatus(SCHEDULER_STATUS_RUNNING)
	s.resourceLock.Unlock()

	// will block. driver.Abort() will cause a normal return (nil error) for driver.Run()
	if stat, err := s.driver.Run(); err != nil {
		log.Infof("Framework stopped with status %s and error: %s", stat.String(), err.Error())
		return err
	}
	return nil
}

func (s *KibanaScheduler) initDriver() error {
	fwinfo := &mesos.FrameworkInfo{
		User:            proto.String(s.config.User),
		Name:            proto.String(s.config.Name),
		FailoverTimeout: proto.Float64(s.config.FailoverSec),
	}

	driverConf := sched.DriverConfig{
		Scheduler:  s,
		Framework:  fwinfo,
		Master:     s.config.Master,
		Credential: (*mesos.Credential)(nil),
	}

	driver, err := sched.NewMesosSchedulerDriver(driverConf)
	if err != nil {
		log.Errorln("Unable to create driver", err)
		return err
	}

	// the management API reads the driver handle under stateLock to issue kill
	// requests, and Start() may run concurrently with it; attach the handle
	// under the same lock
	s.stateLock.Lock()
	s.driver = driver
	s.stateLock.Unlock()
	return nil
}

func (s *KibanaScheduler) Stop() error {
	s.resourceLock.Lock()
	defer s.resourceLock.Unlock()

	if s.getStatus() == SCHEDULER_STATUS_STOPPED {
		return nil
	}

	close(s.quit)

	abort := func() error {
		if stat, err := s.driver.Abort(); err != nil {
			log.Errorf("Framework stopped with status %s and error: %s", stat.String(), err.Error())
			return err
		} else {
			return nil
		}
	}

	if err := util.Cascade(
		s.closeStore(),
		abort()); err != nil {
		return err
	} else {
		s.setStatus(SCHEDULER_STATUS_STOPPED)
		return nil
	}
}

func (s *KibanaScheduler) captureInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	signal.Notify(ch, syscall.SIGTERM)

	select {
	case <-s.quit:
	case <-ch:
		log.Infoln("Interruption received. Pre-quit cleanup for scheduler...")
		s.Stop()
		signal.Stop(ch)
	}
}

// ChangeRequirement adds delta to the required instance count for the given
// ElasticSearch URL and returns the new count (0 once the URL is no longer
// required). The sole mutating entry point from outside the driver callbacks.
// A surplus of running tasks is killed right away rather than on the next
// offer batch.
func (s *KibanaScheduler) ChangeRequirement(elasticSearch string, delta int) int {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	required := s.ledger.SetRequirement(elasticSearch, delta)
	if delta == 0 {
		return required
	}

	if required > 0 {
		log.Infof("Now requiring %v instances for ElasticSearch %v", required, elasticSearch)
	} else {
		log.Infof("No more instances are required for ElasticSearch %v", elasticSearch)
	}

	s.saveRequirement(elasticSearch, required)
	if s.driver != nil {
		s.killExcess(s.driver)
	}
	return required
}

// Requirements returns the per-URL required/running counts.
func (s *KibanaScheduler) Requirements() []*protocol.RequirementState {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.ledger.States()
}

// Tasks returns the currently registered task handles.
func (s *KibanaScheduler) Tasks() []*protocol.TaskStatus {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.ledger.Tasks()
}

// framework specific callbacks below
func (s *KibanaScheduler) Registered(driver sched.SchedulerDriver, frameworkId *mesos.FrameworkID, masterInfo *mesos.MasterInfo) {
	log.Infoln("Scheduler Registered with Master ", masterInfo)
	s.loadRequirements()
}

func (s *KibanaScheduler) Reregistered(driver sched.SchedulerDriver, masterInfo *mesos.MasterInfo) {
	log.Infoln("Scheduler Re-Registered with Master ", masterInfo)
	s.loadRequirements()
}

// ResourceOffers matches one Kibana launch per offer against the first
// ElasticSearch URL with a positive requirement delta, in offer delivery order.
// Offers that fit no launch are declined. Negative deltas (scale-down requested
// while no requirement change arrived) are handled by a kill pass first.
func (s *KibanaScheduler) ResourceOffers(driver sched.SchedulerDriver, offers []*mesos.Offer) {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	s.killExcess(driver)
	for _, offer := range offers {
		s.matchOffer(driver, offer)
	}
}

func (s *KibanaScheduler) matchOffer(driver sched.SchedulerDriver, offer *mesos.Offer) {
	elasticSearch := ""
	for _, delta := range s.ledger.RequirementDeltas() {
		if delta.Delta > 0 {
			elasticSearch = delta.ElasticSearch
			break
		}
	}
	if elasticSearch == "" {
		driver.DeclineOffer(offer.Id, s.declineFilters())
		return
	}

	if !s.hasRequiredResources(offer) {
		log.Infof("Offer %v does not fit one Kibana instance. Declining", offer.Id.GetValue())
		driver.DeclineOffer(offer.Id, s.declineFilters())
		return
	}

	taskId := s.newTaskId()
	port, err := s.ports.Allocate(taskId, offer)
	if err != nil {
		log.Infof("Offer %v had no unused port to offer. Declining", offer.Id.GetValue())
		driver.DeclineOffer(offer.Id, s.declineFilters())
		return
	}

	task := s.newKibanaTask(taskId, elasticSearch, port, offer)
	log.Infof("Prepared task: %s with offer %s for launch\n", task.GetName(), offer.Id.GetValue())

	_, err = driver.LaunchTasks([]*mesos.OfferID{offer.Id}, []*mesos.TaskInfo{task}, s.declineFilters())
	if err != nil {
		log.Errorf("Failed to launch task %v due to error : %v\n", taskId, err)
		s.ports.Release(taskId)
		return
	}

	s.ledger.RegisterTask(elasticSearch, &TaskHandle{
		ID:            taskId,
		ElasticSearch: elasticSearch,
		Port:          port,
		State:         protocol.TASK_STATE_LAUNCHING,
	})
	log.Infof("Now running task %v for ElasticSearch %v on port %v\n", taskId, elasticSearch, port)
}

// killExcess requests a kill for the youngest tasks of every URL with more
// instances running than required. Killed tasks stay registered (and keep their
// port) until their terminal status update arrives, so a repeated pass simply
// re-sends the kill, which mesos treats as a no-op.
func (s *KibanaScheduler) killExcess(driver sched.SchedulerDriver) {
	for _, delta := range s.ledger.RequirementDeltas() {
		if delta.Delta >= 0 {
			continue
		}

		handles := s.ledger.RunningTasks(delta.ElasticSearch)
		for i := 0; i < -delta.Delta && i < len(handles); i++ {
			handle := handles[len(handles)-1-i]
			if _, err := driver.KillTask(mesosutil.NewTaskID(handle.ID)); err != nil {
				log.Errorf("Failed to request kill of task %v : %v\n", handle.ID, err)
			} else {
				log.Infof("Requested kill of task %v for ElasticSearch %v\n", handle.ID, delta.ElasticSearch)
			}
		}
	}
}

// it is important to notice that mesos guarantees that each status update message
// is delivered at least once, i.e. a terminal update may be delivered again after
// the task was already reconciled. Unknown task ids are therefore ignored.
func (s *KibanaScheduler) StatusUpdate(driver sched.SchedulerDriver, status *mesos.TaskStatus) {
	log.Infoln("Status update: task", status.TaskId.GetValue(), " is in state ", status.State.Enum().String())
	if status.Message != nil {
		log.Infoln("Status update message : ", *status.Message)
	}

	s.stateLock.Lock()
	defer s.stateLock.Unlock()

	handle := s.ledger.Task(status.TaskId.GetValue())
	if handle == nil {
		log.Infof("Ignoring status update for unknown task %v\n", status.TaskId.GetValue())
		return
	}

	state := asTaskState(status.GetState())
	switch {
	case state == protocol.TASK_STATE_RUNNING:
		handle.State = state
		log.Infof("Set state of task %v to RUNNING\n", handle.ID)

	case state.Terminal():
		handle.State = state
		s.ports.Release(handle.ID)
		s.ledger.UnregisterTask(handle.ID)
		log.Infof("Unregistered task %v and freed port %v\n", handle.ID, handle.Port)
	}
}

func (s *KibanaScheduler) Disconnected(sched.SchedulerDriver) {
	log.Infoln("Scheduler Disconnected")
}

func (s *KibanaScheduler) OfferRescinded(driver sched.SchedulerDriver, id *mesos.OfferID) {
	log.Infof("Offer '%v' rescinded.\n", *id)
}

func (s *KibanaScheduler) FrameworkMessage(driver sched.SchedulerDriver, exId *mesos.ExecutorID, slvId *mesos.SlaveID, msg string) {
	log.Infof("Received framework message from executor '%v' on slave '%v': %s.\n", *exId, *slvId, msg)
}

func (s *KibanaScheduler) SlaveLost(driver sched.SchedulerDriver, id *mesos.SlaveID) {
	log.Infof("Slave '%v' lost.\n", *id)
}

func (s *KibanaScheduler) ExecutorLost(driver sched.SchedulerDriver, exId *mesos.ExecutorID, slvId *mesos.SlaveID, i int) {
	log.Infof("Executor '%v' lost on slave '%v' with exit code: %v.\n", *exId, *slvId, i)
}

func (s *KibanaScheduler) Error(driver sched.SchedulerDriver, err string) {
	log.Infoln("Scheduler received error:", err)
}

func (s *KibanaScheduler) hasRequiredResources(offer *mesos.Offer) bool {
	var cpus, mem float64
	var ports uint64
	for _, resource := range offer.GetResources() {
		switch resource.GetName() {
		case "cpus":
			cpus += resource.GetScalar().GetValue()
		case "mem":
			mem += resource.GetScalar().GetValue()
		case "ports":
			for _, portRange := range resource.GetRanges().GetRange() {
				ports += portRange.GetEnd() - portRange.GetBegin()
			}
		}
	}
	return cpus >= RequiredCpu && mem >= RequiredMem && ports >= RequiredPortCount
}

// newKibanaTask builds the launch descriptor : the kibana docker image with host
// networking, pointed at the ElasticSearch URL via its environment and bound to
// the allocated host port.
func (s *KibanaScheduler) newKibanaTask(taskId, elasticSearch string, port uint64, offer *mesos.Offer) *mesos.TaskInfo {
	containerType := mesos.ContainerInfo_DOCKER // const, must assign to a var to pass by reference
	hostNetwork := mesos.ContainerInfo_DockerInfo_HOST

	return &mesos.TaskInfo{
		Name:    proto.String("kibana " + elasticSearch),
		TaskId:  mesosutil.NewTaskID(taskId),
		SlaveId: offer.SlaveId,
		Container: &mesos.ContainerInfo{
			Type: &containerType,
			Docker: &mesos.ContainerInfo_DockerInfo{
				Image:   proto.String(DockerImageName),
				Network: &hostNetwork,
			},
		},
		Command: &mesos.CommandInfo{
			Shell: proto.Bool(false),
			Environment: &mesos.Environment{
				Variables: []*mesos.Environment_Variable{
					&mesos.Environment_Variable{
						Name:  proto.String("ELASTICSEARCH_URL"),
						Value: proto.String(elasticSearch),
					},
					&mesos.Environment_Variable{
						Name:  proto.String("KIBANA_PORT"),
						Value: proto.String(strconv.FormatUint(port, 10)),
					},
				}},
		},
		Resources: []*mesos.Resource{
			mesosutil.NewScalarResource("cpus", RequiredCpu),
			mesosutil.NewScalarResource("mem", RequiredMem),
			mesosutil.NewRangesResource("ports", []*mesos.Value_Range{mesosutil.NewValueRange(port, port)}),
		},
	}
}

func (s *KibanaScheduler) declineFilters() *mesos.Filters {
	return &mesos.Filters{RefuseSeconds: proto.Float64(1)}
}

func (s *KibanaScheduler) newTaskId() string {
	s.taskSeq++
	return fmt.Sprintf("kibana-%d-%d", util.NowInMS(), s.taskSeq)
}

func (s *KibanaScheduler) openStore() error {
	if s.reqStore == nil {
		return nil
	}
	if err := s.reqStore.Open(); err != nil {
		return err
	}
	s.storeOpen = true
	return nil
}

func (s *KibanaScheduler) closeStore() error {
	if s.reqStore == nil {
		return nil
	}
	s.storeOpen = false
	return s.reqStore.Close()
}

func (s *KibanaScheduler) saveRequirement(elasticSearch string, required int) {
	// requirement changes may arrive before Start() opened the store, ex. the
	// -es seeds; loadRequirements flushes the ledger once the store is usable
	if s.reqStore == nil || !s.storeOpen {
		return
	}
	if err := s.reqStore.Save(elasticSearch, required); err != nil {
		log.Errorf("Failed to persist requirement for %v : %v\n", elasticSearch, err)
	}
}

// loadRequirements restores the persisted required counts, typically after a
// restart or failover. Applying the stored count as a delta against the current
// one keeps a re-registration from doubling the requirement.
func (s *KibanaScheduler) loadRequirements() {
	if s.reqStore == nil {
		return
	}

	states, err := s.reqStore.Load()
	if err != nil {
		log.Errorln("Failed to load requirements from zookeeper", err)
		return
	}

	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	for _, state := range states {
		s.ledger.SetRequirement(state.ElasticSearch, state.Required-s.ledger.Required(state.ElasticSearch))
	}

	// write back the union, so requirements seeded before the store was open
	// (ex. from the -es flag) are persisted too
	for _, state := range s.ledger.States() {
		s.saveRequirement(state.ElasticSearch, state.Required)
	}
}

func asTaskState(state mesos.TaskState) protocol.TaskState {
	switch state {
	case mesos.TaskState_TASK_RUNNING:
		return protocol.TASK_STATE_RUNNING
	case mesos.TaskState_TASK_FINISHED:
		return protocol.TASK_STATE_FINISHED
	case mesos.TaskState_TASK_FAILED:
		return protocol.TASK_STATE_FAILED
	case mesos.TaskState_TASK_KILLED:
		return protocol.TASK_STATE_KILLED
	case mesos.TaskState_TASK_LOST:
		return protocol.TASK_STATE_LOST
	case mesos.TaskState_TASK_ERROR:
		return protocol.TASK_STATE_ERROR
	default:
		return protocol.TASK_STATE_LAUNCHING
	}
}

func (s *KibanaScheduler) getStatus() SchedulerStatus {
	return s.status
}

// return the old status
func (s *KibanaScheduler) setStatus(newStatus SchedulerStatus) SchedulerStatus {
	oldStatus := s.status
	s.status = newStatus
	return oldStatus
}
