package nodetable

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/pingd/internal/cluster"
)

// ErrNodeNotFound is returned when a record doesn't exist in the table.
var ErrNodeNotFound = errors.New("node not found")

// Record is one compute node as tracked by the coordinator.
type Record struct {
	LastContact      time.Time         // last successful probe, or registration time
	LastProbe        time.Time         // completion time of the most recently merged probe
	Name             string            // unique node name
	Addr             string            // agent base URL
	State            cluster.NodeState // current liveness/registration state
	ConsecutiveFails int               // failed probes since the last success
}

// Status converts the record to its wire representation.
func (r Record) Status() cluster.NodeStatus {
	return cluster.NodeStatus{
		ID:               r.Name,
		Addr:             r.Addr,
		State:            r.State,
		LastContact:      r.LastContact,
		ConsecutiveFails: r.ConsecutiveFails,
	}
}

// Snapshot is a point-in-time copy of the table ordered by node name.
type Snapshot []Record

// Names returns the node names in snapshot order.
func (s Snapshot) Names() []string {
	names := make([]string, len(s))
	for i, r := range s {
		names[i] = r.Name
	}
	return names
}

// Mutation modifies a record in place while its lock is held.
type Mutation func(r *Record)

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Table is the in-memory node table.
// Membership changes take the table lock exclusively; record updates take the
// table read lock plus the record's own lock, so updates to different nodes
// proceed in parallel and updates to the same node are serialized.
type Table struct {
	mu      sync.RWMutex
	records map[string]*entry
}

func New() *Table {
	return &Table{records: make(map[string]*entry)}
}

// Add inserts or replaces a record verbatim.
func (t *Table) Add(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[rec.Name] = &entry{rec: rec}
}

// Register records a node self-registration. A new node enters REGISTERING;
// a known node that is not UP goes back to REGISTERING so the next sweep
// confirms it. It reports whether the node was previously unknown to the table.
func (t *Table) Register(info cluster.NodeInfo, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.records[info.ID]
	if !exists {
		t.records[info.ID] = &entry{rec: Record{
			Name:        info.ID,
			Addr:        info.Addr,
			State:       cluster.StateRegistering,
			LastContact: now,
		}}
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Addr = info.Addr
	if e.rec.State != cluster.StateUp {
		e.rec.State = cluster.StateRegistering
	}
	return false
}

// Remove deletes a node. No error if it doesn't exist.
func (t *Table) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, name)
}

// Get returns a copy of one record.
func (t *Table) Get(name string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.records[name]
	if !ok {
		return Record{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, true
}

// Addr returns the agent address of a node.
func (t *Table) Addr(name string) (string, bool) {
	rec, ok := t.Get(name)
	if !ok {
		return "", false
	}
	return rec.Addr, true
}

// Len returns the number of nodes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Snapshot returns a read-only copy of every record, sorted by name.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	out := make(Snapshot, 0, len(t.records))
	for _, e := range t.records {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// UpdateRecord applies mutation to the named record under its exclusive lock.
// The record name cannot be changed by the mutation.
func (t *Table) UpdateRecord(name string, mutation Mutation) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.records[name]
	if !ok {
		return fmt.Errorf("update %q: %w", name, ErrNodeNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	mutation(&e.rec)
	e.rec.Name = name
	return nil
}

// InventoryNode is one entry of the static node inventory file.
type InventoryNode struct {
	Name string `yaml:"name"`
	Addr string `yaml:"addr"`
}

type inventoryFile struct {
	Nodes []InventoryNode `yaml:"nodes"`
}

// LoadInventory reads a YAML node inventory and adds every node the table
// doesn't know yet in UNKNOWN state. It returns the number of nodes added.
//
//	nodes:
//	  - name: n1
//	    addr: http://10.0.0.1:8081
func (t *Table) LoadInventory(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read inventory: %w", err)
	}

	var inv inventoryFile
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return 0, fmt.Errorf("parse inventory %s: %w", path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for i, n := range inv.Nodes {
		if n.Name == "" || n.Addr == "" {
			return added, fmt.Errorf("inventory %s: entry %d: missing name/addr", path, i)
		}
		if _, exists := t.records[n.Name]; exists {
			continue
		}
		t.records[n.Name] = &entry{rec: Record{Name: n.Name, Addr: n.Addr, State: cluster.StateUnknown}}
		added++
	}
	return added, nil
}
