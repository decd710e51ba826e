package replica

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/d-nagy/gossipkv/internal/directory"
	"github.com/d-nagy/gossipkv/internal/domain"
	"github.com/d-nagy/gossipkv/internal/metrics"
	"github.com/d-nagy/gossipkv/internal/vectorclock"
)

// Manager is a single replica's gossip-architecture engine: vector-clock
// bookkeeping, the update log, the stability predicate, the gossip
// exchange and replica status. It owns its state exclusively; replicas
// reference one another only through the NameResolver address book.
//
// Three disjoint critical sections guard replicaTs, updateLog and
// valueTs+store+executed respectively. They are acquired only in the fixed
// order replicaTs -> updateLog -> valueTs to avoid deadlock; no code path
// holds more than one of them at a time except where noted.
type Manager struct {
	id  int
	cfg Config

	registry *domain.Registry
	store    *domain.Store
	resolver directory.NameResolver
	log      *zap.Logger
	rng      *rand.Rand
	rngMu    sync.Mutex

	statusMu   sync.RWMutex
	status     Status
	autoStatus bool

	rtsMu     sync.Mutex
	replicaTs vectorclock.Clock

	logMu     sync.Mutex
	updateLog []Record

	vtsMu    sync.Mutex
	valueTs  vectorclock.Clock
	executed map[string]bool

	tsTableMu sync.Mutex
	tsTable   []vectorclock.Clock

	pending *pendingTable
	metrics *metrics.Metrics
}

// New constructs a Manager for replica id within an N-replica system.
// initial, if non-nil, fixes the status and disables automatic sampling,
// mirroring the replica CLI's --status flag.
func New(id int, cfg Config, registry *domain.Registry, store *domain.Store, resolver directory.NameResolver, log *zap.Logger, initial *Status) *Manager {
	m := &Manager{
		id:         id,
		cfg:        cfg,
		registry:   registry,
		store:      store,
		resolver:   resolver,
		log:        log,
		rng:        rand.New(rand.NewSource(int64(id)+1) /* #nosec: not security sensitive */),
		status:     Active,
		autoStatus: true,
		replicaTs:  vectorclock.New(cfg.N),
		valueTs:    vectorclock.New(cfg.N),
		executed:   make(map[string]bool),
		tsTable:    make([]vectorclock.Clock, cfg.N),
		pending:    newPendingTable(),
	}
	for i := range m.tsTable {
		m.tsTable[i] = vectorclock.New(cfg.N)
	}
	if initial != nil {
		m.status = *initial
		m.autoStatus = false
	}
	return m
}

// ID reports this replica's identity.
func (m *Manager) ID() int { return m.id }

// SetMetrics attaches a Prometheus instrument set. Optional: a Manager with
// no metrics attached behaves identically, just without instrumentation —
// tests and the in-memory harness never call this.
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
	mx.Status.Set(float64(m.GetStatus()))
}

// Shutdown releases every pending query waiter with ErrCancelled. It does
// not stop a GossipLoop; callers own that lifecycle separately.
func (m *Manager) Shutdown() {
	m.pending.cancelAll()
}

// ValueTs returns a snapshot of valueTs, for tests and diagnostics.
func (m *Manager) ValueTs() vectorclock.Clock {
	m.vtsMu.Lock()
	defer m.vtsMu.Unlock()
	return m.valueTs
}

// ReplicaTs returns a snapshot of replicaTs, for tests and diagnostics.
func (m *Manager) ReplicaTs() vectorclock.Clock {
	m.rtsMu.Lock()
	defer m.rtsMu.Unlock()
	return m.replicaTs
}

// LogLen reports the number of records currently in the update log.
func (m *Manager) LogLen() int {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return len(m.updateLog)
}

// GetStatus returns the current status. Unlike every other exposed
// operation, GetStatus always answers, even when offline — front ends and
// the gossip Discover phase rely on being able to observe OFFLINE.
func (m *Manager) GetStatus() Status {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.status
}

// SetStatus is the privileged operation invoked by the out-of-band control
// utility.
func (m *Manager) SetStatus(s Status) {
	m.statusMu.Lock()
	m.status = s
	m.statusMu.Unlock()
	if m.metrics != nil {
		m.metrics.Status.Set(float64(s))
	}
}

// ToggleAutoStatus enables or disables the probabilistic status sampler.
func (m *Manager) ToggleAutoStatus(auto bool) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.autoStatus = auto
}

func (m *Manager) autoStatusEnabled() bool {
	m.statusMu.RLock()
	defer m.statusMu.RUnlock()
	return m.autoStatus
}

func (m *Manager) offline() bool {
	return m.GetStatus() == Offline
}

// SendUpdate is invoked by the front end (or a test harness acting as one)
// to submit an update. It returns (ts, applied, err): applied is false
// exactly when uID has already been processed — a duplicate delivery, not
// an error.
func (m *Manager) SendUpdate(op Op, prev vectorclock.Clock, uID string) (vectorclock.Clock, bool, error) {
	if m.offline() {
		return vectorclock.Clock{}, false, ErrPeerUnavailable
	}
	if domain.ClassifyOp(op.Code) != domain.KindUpdate {
		return vectorclock.Clock{}, false, fmt.Errorf("%w: %q is not an update opcode", ErrBadRequest, op.Code)
	}

	m.vtsMu.Lock()
	already := m.executed[uID]
	m.vtsMu.Unlock()
	if already {
		return vectorclock.Clock{}, false, nil
	}

	m.rtsMu.Lock()
	next, err := m.replicaTs.Increment(m.id)
	if err != nil {
		m.rtsMu.Unlock()
		return vectorclock.Clock{}, false, err
	}
	m.replicaTs = next
	selfComponent := next.Value()[m.id]
	m.rtsMu.Unlock()

	tsVals := prev.Value()
	tsVals[m.id] = selfComponent
	ts := vectorclock.FromSlice(tsVals)

	record := Record{Origin: m.id, Ts: ts, Op: op, Prev: prev, ID: uID}
	m.logMu.Lock()
	m.updateLog = append(m.updateLog, record)
	m.logMu.Unlock()

	var applyErr error
	m.vtsMu.Lock()
	if stable, _ := prev.LessEq(m.valueTs); stable {
		applyErr = m.executeUpdateLocked(op, uID, ts)
	}
	m.vtsMu.Unlock()

	if applyErr != nil {
		return ts, true, fmt.Errorf("%w: %v", ErrDomainError, applyErr)
	}
	return ts, true, nil
}

// SendQuery is invoked by the front end to submit a query. It blocks until
// q_prev is stable at this replica, then returns the query's result and the
// replica's valueTs at the moment it answered.
func (m *Manager) SendQuery(ctx context.Context, op Op, prev vectorclock.Clock) (interface{}, vectorclock.Clock, error) {
	if m.offline() {
		return nil, vectorclock.Clock{}, ErrPeerUnavailable
	}
	if domain.ClassifyOp(op.Code) != domain.KindQuery {
		return nil, vectorclock.Clock{}, fmt.Errorf("%w: %q is not a query opcode", ErrBadRequest, op.Code)
	}

	m.vtsMu.Lock()
	stable, _ := prev.LessEq(m.valueTs)
	if stable {
		val, err := m.registry.ApplyQuery(m.store, op.Code, op.Params)
		vts := m.valueTs
		m.vtsMu.Unlock()
		if err != nil {
			return nil, vectorclock.Clock{}, fmt.Errorf("%w: %v", ErrDomainError, err)
		}
		return val, vts, nil
	}
	m.vtsMu.Unlock()

	key := newPendingKey(op, prev)
	entry := m.pending.getOrCreate(key)
	if m.metrics != nil {
		m.metrics.PendingQueries.Inc()
		defer m.metrics.PendingQueries.Dec()
	}
	defer m.pending.remove(key)

	res, err := entry.wait(ctx)
	if err != nil {
		return nil, vectorclock.Clock{}, err
	}
	if res.err != nil {
		return nil, vectorclock.Clock{}, res.err
	}
	return res.value, res.ts, nil
}

// SendGossip is invoked by peer replicas with their recent log records and
// replicaTs. It is fire-and-forget: callers never block on its result.
func (m *Manager) SendGossip(mLog []Record, mTs vectorclock.Clock, rID int) error {
	if m.offline() {
		return nil
	}

	m.rtsMu.Lock()
	m.logMu.Lock()
	for _, rec := range mLog {
		m.mergeRecordLocked(rec)
	}
	m.logMu.Unlock()
	merged, err := m.replicaTs.Merge(mTs)
	if err != nil {
		m.rtsMu.Unlock()
		return err
	}
	m.replicaTs = merged
	m.rtsMu.Unlock()

	m.executeStablePass()

	if rID >= 0 && rID < len(m.tsTable) {
		m.tsTableMu.Lock()
		m.tsTable[rID] = mTs
		m.tsTableMu.Unlock()
	}

	m.drainPendingQueries()

	if m.cfg.EnableTrim {
		m.trimLog()
	}
	if m.metrics != nil {
		m.metrics.GossipReceived.Inc()
		m.metrics.LogSize.Set(float64(m.LogLen()))
	}
	return nil
}

// mergeRecordLocked appends rec to the log if it is not already present and
// genuinely informs us of something beyond what replicaTs already reflects.
// Must be called with rtsMu and logMu both held (in that order).
func (m *Manager) mergeRecordLocked(rec Record) {
	for _, existing := range m.updateLog {
		if existing.Equal(rec) {
			return
		}
	}
	if known, _ := rec.Ts.LessEq(m.replicaTs); known {
		return
	}
	m.updateLog = append(m.updateLog, rec)
}

// executeUpdateLocked applies op and advances valueTs. Must be called with
// vtsMu held. It is idempotent: re-applying an already-executed id is a
// no-op, which is what makes gossip-driven re-delivery safe.
func (m *Manager) executeUpdateLocked(op Op, uID string, ts vectorclock.Clock) error {
	if m.executed[uID] {
		return nil
	}
	if err := m.registry.ApplyUpdate(m.store, op.Code, op.Params); err != nil {
		return err
	}
	merged, err := m.valueTs.Merge(ts)
	if err != nil {
		return err
	}
	m.valueTs = merged
	m.executed[uID] = true
	if m.metrics != nil {
		m.metrics.UpdatesApplied.Inc()
	}
	return nil
}

// executeStablePass repeatedly applies the lowest not-yet-executed stable
// record until no more become applicable. Re-scanning after every apply
// produces a valid linear extension of the happens-before order even
// though applying one record can make others stable.
func (m *Manager) executeStablePass() {
	failed := make(map[string]bool)
	for {
		m.logMu.Lock()
		logCopy := make([]Record, len(m.updateLog))
		copy(logCopy, m.updateLog)
		m.logMu.Unlock()

		m.vtsMu.Lock()
		next, ok := pickNextStable(logCopy, m.valueTs, m.executed, failed)
		if !ok {
			m.vtsMu.Unlock()
			return
		}
		if err := m.executeUpdateLocked(next.Op, next.ID, next.Ts); err != nil {
			failed[next.ID] = true // failure retried next pass
		}
		m.vtsMu.Unlock()
	}
}

// pickNextStable finds the record with the lexicographically smallest
// Prev among those not yet executed (and not in skip) whose Prev <= valueTs.
// Must be called with valueTs's lock held by the caller.
func pickNextStable(log []Record, valueTs vectorclock.Clock, executed, skip map[string]bool) (Record, bool) {
	var candidates []Record
	for _, r := range log {
		if executed[r.ID] || skip[r.ID] {
			continue
		}
		if stable, _ := r.Prev.LessEq(valueTs); stable {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return Record{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return clockLess(candidates[i].Prev, candidates[j].Prev)
	})
	return candidates[0], true
}

func clockLess(a, b vectorclock.Clock) bool {
	av, bv := a.Value(), b.Value()
	for i := range av {
		if av[i] != bv[i] {
			return av[i] < bv[i]
		}
	}
	return false
}

// drainPendingQueries delivers results to every waiter whose prev has
// become stable.
func (m *Manager) drainPendingQueries() {
	for key, entry := range m.pending.snapshot() {
		m.vtsMu.Lock()
		stable, _ := key.prev.LessEq(m.valueTs)
		if !stable {
			m.vtsMu.Unlock()
			continue
		}
		val, err := m.registry.ApplyQuery(m.store, key.code, splitParams(key.params))
		vts := m.valueTs
		m.vtsMu.Unlock()

		if err != nil {
			entry.deliver(pendingResult{err: fmt.Errorf("%w: %v", ErrDomainError, err)})
		} else {
			entry.deliver(pendingResult{value: val, ts: vts})
		}
		m.pending.remove(key)
	}
}

func splitParams(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\x00")
}

// getRecentUpdates returns every log record whose Ts is not <= peerTs —
// i.e. strictly ahead of what the peer is already known to have.
func (m *Manager) getRecentUpdates(peerTs vectorclock.Clock) []Record {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	var out []Record
	for _, r := range m.updateLog {
		if known, _ := r.Ts.LessEq(peerTs); !known {
			out = append(out, r)
		}
	}
	return out
}

// updateStatusAuto samples the probabilistic status transition. Called
// once per gossip tick when automatic status updates are enabled.
func (m *Manager) updateStatusAuto() {
	m.rngMu.Lock()
	u1 := m.rng.Float64()
	u2 := m.rng.Float64()
	m.rngMu.Unlock()

	var next Status
	switch {
	case u1 < m.cfg.FailureProb:
		next = Offline
	case u2 < m.cfg.OverloadProb:
		next = Overloaded
	default:
		next = Active
	}
	m.SetStatus(next)
}

// trimLog drops records once every peer's last-known replicaTs covers
// their origin component, so a record is only dropped after every peer
// has definitely seen it.
func (m *Manager) trimLog() {
	m.tsTableMu.Lock()
	table := make([]vectorclock.Clock, len(m.tsTable))
	copy(table, m.tsTable)
	m.tsTableMu.Unlock()

	m.logMu.Lock()
	defer m.logMu.Unlock()

	kept := m.updateLog[:0:0]
	for _, r := range m.updateLog {
		if !m.coveredByAllPeers(r, table) {
			kept = append(kept, r)
		}
	}
	m.updateLog = kept
}

func (m *Manager) coveredByAllPeers(r Record, table []vectorclock.Clock) bool {
	origin := r.Ts.Value()[r.Origin]
	for j, peerTs := range table {
		if j == m.id {
			continue
		}
		if peerTs.Len() == 0 {
			return false
		}
		if peerTs.Value()[r.Origin] < origin {
			return false
		}
	}
	return true
}
