package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/philwinder/kibana/protocol"
	"github.com/philwinder/kibana/util"
	zkCli "github.com/samuel/go-zookeeper/zk"
)

// RequirementStore persists the required instance count per ElasticSearch URL,
// so a restarted or failed-over scheduler keeps its desired state. Running
// tasks are not persisted; mesos re-reports them through status updates.
type RequirementStore interface {
	Load() ([]*protocol.RequirementState, error)
	Save(elasticSearch string, required int) error // required <= 0 removes the entry
	DeleteAll() error
	Open() error
	Close() error
}

type storedRequirement struct {
	ElasticSearch string `json:"elasticsearch"`
	Required      int    `json:"required"`
	ModifiedMS    int64  `json:"time"`
}

func toStoredRequirement(data []byte) (*storedRequirement, error) {
	var stored storedRequirement
	err := json.Unmarshal(data, &stored)
	return &stored, err
}

func (r *storedRequirement) toState() *protocol.RequirementState {
	return &protocol.RequirementState{
		ElasticSearch: r.ElasticSearch,
		Required:      r.Required,
	}
}

type ZkRequirementStore struct {
	hostports []string
	rootDir   string
	timeout   time.Duration
	flags     int32
	acl       []zkCli.ACL
	conn      *zkCli.Conn
}

func NewZkRequirementStore(servers []string, rootDir string, timeout time.Duration) RequirementStore {
	return &ZkRequirementStore{
		hostports: servers,
		rootDir:   rootDir,
		timeout:   timeout,
		flags:     int32(0), // persistent node
		acl:       zkCli.WorldACL(zkCli.PermAll),
	}
}

func (zk *ZkRequirementStore) Open() error {
	if !strings.HasPrefix(zk.rootDir, "/") {
		return fmt.Errorf("root dir must start with '/'")
	}
	if strings.HasSuffix(zk.rootDir, "/") {
		zk.rootDir = zk.rootDir[:len(zk.rootDir)-1]
	}

	conn, _, err := zkCli.Connect(zk.hostports, zk.timeout)
	if err != nil {
		return err
	} else {
		exists, _, err := conn.Exists(zk.rootDir)
		if err != nil {
			return err
		}

		if !exists {
			err = zk.createDir(conn, zk.rootDir)
			if err != nil {
				conn.Close()
				return err
			}
		}

		zk.conn = conn
		return nil
	}
}

func (zk *ZkRequirementStore) Close() error {
	zk.conn.Close()
	return nil
}

func (zk *ZkRequirementStore) Load() ([]*protocol.RequirementState, error) {
	children, _, err := zk.conn.Children(zk.rootDir)
	if err != nil {
		return make([]*protocol.RequirementState, 0), err
	}

	states := make([]*protocol.RequirementState, 0, len(children))
	for _, child := range children {
		bytes, _, err := zk.conn.Get(zk.getPath(child))
		if err != nil {
			return states, err
		}
		stored, err := toStoredRequirement(bytes)
		if err != nil {
			return states, err
		}
		states = append(states, stored.toState())
	}
	return states, nil
}

func (zk *ZkRequirementStore) Save(elasticSearch string, required int) error {
	path := zk.getPath(zk.nodeName(elasticSearch))

	if required <= 0 {
		err := zk.conn.Delete(path, -1)
		if err == zkCli.ErrNoNode {
			return nil
		}
		return err
	}

	bytes, err := protocol.ToBytes(&storedRequirement{
		ElasticSearch: elasticSearch,
		Required:      required,
		ModifiedMS:    util.NowInMS(),
	})
	if err != nil {
		return err
	}

	exists, _, err := zk.conn.Exists(path)
	if err != nil {
		return err
	}
	if !exists {
		_, err = zk.conn.Create(path, bytes, zk.flags, zk.acl)
		return err
	} else {
		_, err = zk.conn.Set(path, bytes, -1)
		return err
	}
}

// delete all children znodes (but not the parent znodes)
func (zk *ZkRequirementStore) DeleteAll() error {
	children, _, err := zk.conn.Children(zk.rootDir)
	if err != nil {
		return err
	}

	for _, c := range children {
		err = zk.conn.Delete(zk.getPath(c), -1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (zk *ZkRequirementStore) createDir(conn *zkCli.Conn, dir string) error {
	dir = dir[1:]                    // remove leading "/"
	if strings.HasSuffix(dir, "/") { // remove tailing "/"
		dir = dir[:len(dir)-1]
	}
	paths := strings.Split(dir, "/")
	data := make([]byte, 0)

	// ignore all intermediate error
	conn.Create("/"+paths[0], data, zk.flags, zk.acl)
	cur := "/" + paths[0]
	for _, path := range paths[1:] {
		cur += "/" + path
		conn.Create(cur, data, zk.flags, zk.acl)
	}

	exists, _, err := conn.Exists("/" + dir)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("failed to create dir %v", dir)
	}
	return nil
}

func (zk *ZkRequirementStore) getPath(path string) string {
	return zk.rootDir + "/" + path
}

// ElasticSearch URLs contain characters znode names cannot, '/' in particular
func (zk *ZkRequirementStore) nodeName(elasticSearch string) string {
	return url.QueryEscape(elasticSearch)
}
