package ha

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	log "github.com/golang/glog"
	zkCli "github.com/samuel/go-zookeeper/zk"
)

type Host struct {
	Ip   string `json:"ip"`
	Port int    `json:"port"`
}

func (h *Host) toBytes() ([]byte, error) {
	return json.Marshal(h)
}

func fromBytes(bytes []byte) (*Host, error) {
	var host Host
	err := json.Unmarshal(bytes, &host)
	if err != nil {
		return nil, err
	} else {
		return &host, nil
	}
}

type LeaderStatusUpdater interface {
	LeaderElected(newLeader *Host)
	LeaderLost(oldLeader *Host)
}

type LeaderElection interface {
	ElectLeader() error // non-blocking; updates arrive through LeaderStatusUpdater
	Close()
}

// ZkLeaderElection implements the standard zookeeper recipe : every candidate
// creates an ephemeral-sequential znode under the election root, the smallest
// sequence number is the leader, and everyone watches it for deletion.
// http://zookeeper.apache.org/doc/trunk/recipes.html#sc_leaderElection
type ZkLeaderElection struct {
	servers     []string
	root        string // ex. "/kibana-scheduler/election"
	acl         []zkCli.ACL
	conn        *zkCli.Conn
	connTimeout time.Duration
	connChan    <-chan zkCli.Event // chan gets closed if session is lost
	host        *Host              // self
	updater     LeaderStatusUpdater
	closeChan   chan struct{}
}

func NewZkLeaderElection(servers []string, root string, host *Host,
	updater LeaderStatusUpdater, connTimeout time.Duration) (LeaderElection, error) {
	conn, connChan, err := zkCli.Connect(servers, connTimeout)
	if err != nil {
		return nil, err
	}

	// create the election root and its parents; racing candidates may have
	// created them already
	acls := zkCli.WorldACL(zkCli.PermAll)
	cur := ""
	for _, part := range strings.Split(strings.Trim(root, "/"), "/") {
		cur += "/" + part
		_, err = conn.Create(cur, make([]byte, 0), int32(0), acls)
		if err != nil && err != zkCli.ErrNodeExists {
			conn.Close()
			return nil, err
		}
	}

	return &ZkLeaderElection{
		servers:     servers,
		root:        root,
		acl:         acls,
		conn:        conn,
		connTimeout: connTimeout,
		host:        host,
		updater:     updater,
		connChan:    connChan,
		closeChan:   make(chan struct{}),
	}, nil
}

func (zk *ZkLeaderElection) Close() {
	close(zk.closeChan)
	zk.conn.Close()
}

func (zk *ZkLeaderElection) ElectLeader() error {
	_, err := zk.register()
	if err != nil {
		return err
	}
	log.Infoln("registered with zk :", zk.host)

	leader, leaderChan, err := zk.getAndWatchLeader()
	if err != nil {
		return err
	}
	log.Infoln("got leader from zookeeper :", leader)

	// must run it within a go routine due to the recursive implementation
	go zk.monitor(leader, leaderChan)
	return nil
}

func (zk *ZkLeaderElection) register() (string, error) {
	data, err := zk.host.toBytes()
	if err != nil {
		return "", err
	}

	return zk.conn.Create(zk.root+"/node#",
		data,
		zkCli.FlagEphemeral|zkCli.FlagSequence,
		zk.acl,
	)
}

func (zk *ZkLeaderElection) getAndWatchLeader() (*Host, <-chan zkCli.Event, error) {
	children, _, err := zk.conn.Children(zk.root)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(children)

	leaderData, _, leaderChan, err := zk.conn.GetW(zk.root + "/" + children[0])
	if err != nil {
		return nil, nil, err
	}
	leader, err := fromBytes(leaderData)
	if err != nil {
		return nil, nil, err
	}
	zk.updater.LeaderElected(leader)
	return leader, leaderChan, nil
}

// monitor leader change and connection loss
func (zk *ZkLeaderElection) monitor(leader *Host, leaderChan <-chan zkCli.Event) {
	for {
		select {
		case event := <-leaderChan:
			if event.Type == zkCli.EventNodeDeleted {
				zk.updater.LeaderLost(leader)
				// the ephemeral node of this candidate is still present, so
				// re-watching is enough; register() must not run again
				newLeader, newChan, err := zk.getAndWatchLeader()
				if err != nil {
					log.Errorln("failed to re-watch leader :", err)
					return
				}
				leader, leaderChan = newLeader, newChan
			}

		case event := <-zk.connChan:
			if event.Type == zkCli.EventSession && event.State == zkCli.StateDisconnected {
				conn, connChan, err := zkCli.Connect(zk.servers, zk.connTimeout)
				if err != nil {
					log.Errorln("cannot reconnect to zookeeper :", zk.servers, err)
					return
				}
				zk.conn = conn
				zk.connChan = connChan
				// the old ephemeral node died with the session, run the full
				// election again
				if err := zk.ElectLeader(); err != nil {
					log.Errorln("failed to re-run leader election :", err)
				}
				return
			}

		case <-zk.closeChan:
			log.Infoln("quit leader election :", zk.host)
			return
		}
	}
}
