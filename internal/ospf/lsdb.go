package ospf

import (
	"log/slog"
	"time"

	"github.com/dantte-lp/gorouted/internal/arena"
	"github.com/dantte-lp/gorouted/internal/task"
)

// LsaFlags mark the provenance and lifecycle of an LSDB entry.
type LsaFlags uint8

const (
	// LsaFlagReceived marks an entry installed from flooding.
	LsaFlagReceived LsaFlags = 1 << iota
	// LsaFlagSelfOriginated marks an entry whose advertising router is
	// this router. Content that references a local interface does not
	// set it.
	LsaFlagSelfOriginated
	// LsaFlagPurged marks an entry flooded at MaxAge and awaiting the
	// acknowledgement quiet period before deletion.
	LsaFlagPurged
)

// LsaEntry is one LSDB entry.
type LsaEntry struct {
	Lsa   *Lsa
	Flags LsaFlags
	// BaseTime is when this instance was installed; the effective age
	// is Lsa.Hdr.Age plus the elapsed time since BaseTime.
	BaseTime time.Time

	expiryTimer  *task.Timeout
	refreshTimer *task.Timeout
}

// Age returns the current effective age in seconds, saturated at MaxAge.
func (e *LsaEntry) Age(now time.Time) uint16 {
	age := int(e.Lsa.Hdr.Age) + int(now.Sub(e.BaseTime)/time.Second)
	if age >= MaxAge {
		return MaxAge
	}
	return uint16(age)
}

// LsdbStats counts LSDB-level events.
type LsdbStats struct {
	Installs          uint64
	MinArrivalDiscard uint64
	OlderDiscard      uint64
	ChecksumDiscard   uint64
	Purges            uint64
	Originations      uint64
}

// delayedOrig is a deferred self-origination: the most recent candidate
// body replaces any earlier queued one (MinLSInterval).
type delayedOrig struct {
	lsa   *Lsa
	timer *task.Timeout
}

// Lsdb is one link-state database (an area's, or the AS-scope one for
// Type-5). Entries live in an arena; the key index holds handles.
type Lsdb struct {
	logger *slog.Logger

	entries arena.Arena[*LsaEntry]
	byKey   map[LsaKey]arena.Handle

	// lastOrig is the time of the previous self-origination per key,
	// for MinLSInterval enforcement.
	lastOrig map[LsaKey]time.Time
	delayed  map[LsaKey]*delayedOrig

	Stats LsdbStats

	// Hooks into the owning instance.
	routerID uint32
	onFlood  func(lsa *Lsa)
	onChange func(old, new *Lsa)
	now      func() time.Time
	// events posts deferred work (expiry, refresh, delayed origination)
	// back to the instance main loop.
	events chan<- lsdbEvent
}

// lsdbEvent is the timer feedback of the LSDB.
type lsdbEvent struct {
	kind lsdbEventKind
	key  LsaKey
}

// postEvent forwards a timer firing without blocking. A dropped event is
// not re-posted: expiry and refresh timers are armed again only when the
// entry is next installed.
func (db *Lsdb) postEvent(ev lsdbEvent) {
	select {
	case db.events <- ev:
	default:
	}
}

type lsdbEventKind uint8

const (
	lsdbEventExpiry lsdbEventKind = iota
	lsdbEventRefresh
	lsdbEventDelayedOrig
)

// NewLsdb creates an empty database. onFlood is invoked for every
// instance that must be flooded; onChange for every content change that
// may trigger SPF.
func NewLsdb(logger *slog.Logger, routerID uint32, events chan<- lsdbEvent,
	onFlood func(*Lsa), onChange func(old, new *Lsa)) *Lsdb {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lsdb{
		logger:   logger.With("component", "lsdb"),
		byKey:    make(map[LsaKey]arena.Handle),
		lastOrig: make(map[LsaKey]time.Time),
		delayed:  make(map[LsaKey]*delayedOrig),
		routerID: routerID,
		onFlood:  onFlood,
		onChange: onChange,
		now:      time.Now,
		events:   events,
	}
}

// Get returns the entry for key.
func (db *Lsdb) Get(key LsaKey) (*LsaEntry, bool) {
	h, ok := db.byKey[key]
	if !ok {
		return nil, false
	}
	ep := db.entries.Get(h)
	if ep == nil {
		return nil, false
	}
	return *ep, true
}

// Len returns the number of entries.
func (db *Lsdb) Len() int { return db.entries.Len() }

// Iter visits every entry.
func (db *Lsdb) Iter(fn func(*LsaEntry) bool) {
	db.entries.Iter(func(_ arena.Handle, ep **LsaEntry) bool {
		return fn(*ep)
	})
}

// InstallResult reports the outcome of Install.
type InstallResult uint8

const (
	// InstallAccepted: the instance was installed (new or replacing).
	InstallAccepted InstallResult = iota
	// InstallDuplicate: the instance equals the database copy; no-op.
	InstallDuplicate
	// InstallOlder: the database copy is fresher; the instance is
	// discarded (the copy should be sent back to the sender).
	InstallOlder
	// InstallMinArrival: rejected by the MinLSArrival rate limit.
	InstallMinArrival
)

// Install processes one received LSA instance (RFC 2328 Section 13).
func (db *Lsdb) Install(lsa *Lsa) InstallResult {
	now := db.now()
	key := lsa.Hdr.Key()

	if cur, ok := db.Get(key); ok {
		curHdr := cur.Lsa.Hdr
		curHdr.Age = cur.Age(now)
		switch CompareFreshness(&lsa.Hdr, &curHdr) {
		case Older:
			db.Stats.OlderDiscard++
			return InstallOlder
		case Same:
			return InstallDuplicate
		case Newer:
			// MinLSArrival: accept at most one newer instance per
			// second per key.
			if now.Sub(cur.BaseTime) < MinLSArrival*time.Second {
				db.Stats.MinArrivalDiscard++
				return InstallMinArrival
			}
		}
	}

	db.install(lsa, LsaFlagReceived)
	return InstallAccepted
}

// install places the instance in the database, restarting its timers and
// signalling flood and change hooks.
func (db *Lsdb) install(lsa *Lsa, flags LsaFlags) {
	now := db.now()
	key := lsa.Hdr.Key()

	var old *Lsa
	if h, ok := db.byKey[key]; ok {
		if ep := db.entries.Get(h); ep != nil {
			old = (*ep).Lsa
			(*ep).stopTimers()
			db.entries.Remove(h)
		}
		delete(db.byKey, key)
	}

	if db.isSelfOriginated(lsa) {
		flags |= LsaFlagSelfOriginated
	}

	entry := &LsaEntry{Lsa: lsa, Flags: flags, BaseTime: now}
	db.armExpiry(entry, key)
	if flags&LsaFlagSelfOriginated != 0 && flags&LsaFlagReceived == 0 {
		db.armRefresh(entry, key)
	}

	h := db.entries.Insert(entry)
	db.byKey[key] = h
	db.Stats.Installs++

	if db.onFlood != nil {
		db.onFlood(lsa)
	}
	if db.onChange != nil && !sameContent(old, lsa) {
		db.onChange(old, lsa)
	}
}

// sameContent reports whether two instances carry the same body, which
// suppresses SPF on pure refreshes.
func sameContent(old, new *Lsa) bool {
	if old == nil {
		return false
	}
	if len(old.Body) != len(new.Body) {
		return false
	}
	for i := range old.Body {
		if old.Body[i] != new.Body[i] {
			return false
		}
	}
	return true
}

// isSelfOriginated detects an instance this router is responsible for:
// one advertised by the local Router-ID. Interface references in the
// content are not examined, here or in the change hook.
func (db *Lsdb) isSelfOriginated(lsa *Lsa) bool {
	return lsa.Hdr.AdvRtr == db.routerID
}

// -------------------------------------------------------------------------
// Self-origination — RFC 2328 Section 12.4
// -------------------------------------------------------------------------

// Originate installs a locally built LSA, enforcing MinLSInterval: a
// changed origination within five seconds of the previous one for the
// same key is deferred, and the most recent candidate replaces any
// earlier queued body.
func (db *Lsdb) Originate(lsa *Lsa) {
	lsa.Hdr.AdvRtr = db.routerID
	key := lsa.Hdr.Key()
	now := db.now()

	if since := now.Sub(db.lastOrig[key]); since < MinLSInterval*time.Second {
		delay := MinLSInterval*time.Second - since
		if pending, ok := db.delayed[key]; ok {
			// Replace the queued body; the timer keeps running.
			pending.lsa = lsa
			return
		}
		db.delayed[key] = &delayedOrig{
			lsa: lsa,
			timer: task.NewTimeout(delay, func() {
				db.postEvent(lsdbEvent{kind: lsdbEventDelayedOrig, key: key})
			}),
		}
		return
	}

	db.originateNow(lsa)
}

func (db *Lsdb) originateNow(lsa *Lsa) {
	key := lsa.Hdr.Key()

	// Continue the sequence from the current instance.
	if cur, ok := db.Get(key); ok {
		if cur.Lsa.Hdr.SeqNo == MaxSeqNo {
			// Sequence wrap: prematurely age the existing instance and
			// re-originate from the initial sequence once the purge has
			// been flooded.
			db.wrapSequence(cur, lsa)
			return
		}
		lsa.Hdr.SeqNo = cur.Lsa.Hdr.SeqNo + 1
	} else if lsa.Hdr.SeqNo == 0 {
		lsa.Hdr.SeqNo = InitialSeqNo
	}
	lsa.Hdr.AdvRtr = db.routerID
	*lsa = *NewLsa(lsa.Hdr, lsa.Body)

	db.lastOrig[key] = db.now()
	db.Stats.Originations++
	db.install(lsa, 0)
}

// wrapSequence handles the MaxSeqNo wrap: flush the old instance first,
// then queue the replacement for origination at InitialSeqNo.
func (db *Lsdb) wrapSequence(cur *LsaEntry, next *Lsa) {
	next.Hdr.SeqNo = InitialSeqNo
	key := cur.Lsa.Hdr.Key()
	db.delayed[key] = &delayedOrig{lsa: next}
	db.Flush(key)
}

// HandleDelayedOrig completes a deferred origination.
func (db *Lsdb) HandleDelayedOrig(key LsaKey) {
	pending, ok := db.delayed[key]
	if !ok {
		return
	}
	pending.timer.Stop()
	delete(db.delayed, key)
	db.originateNow(pending.lsa)
}

// RefreshSelfOriginated re-originates a self-originated entry with the
// next sequence number (LSRefreshTime expired).
func (db *Lsdb) RefreshSelfOriginated(key LsaKey) {
	entry, ok := db.Get(key)
	if !ok || entry.Flags&LsaFlagSelfOriginated == 0 {
		return
	}
	fresh := &Lsa{
		Hdr:  LsaHdr{Options: entry.Lsa.Hdr.Options, Type: key.Type, LsaID: key.LsaID, AdvRtr: key.AdvRtr},
		Body: entry.Lsa.Body,
	}
	db.originateNow(fresh)
}

// -------------------------------------------------------------------------
// MaxAge purge — RFC 2328 Section 14
// -------------------------------------------------------------------------

// Flush floods the entry once more at MaxAge, marks it purged, and
// deletes it after the acknowledgement quiet period.
func (db *Lsdb) Flush(key LsaKey) {
	h, ok := db.byKey[key]
	if !ok {
		return
	}
	ep := db.entries.Get(h)
	if ep == nil {
		return
	}
	entry := *ep
	if entry.Flags&LsaFlagPurged != 0 {
		return
	}

	entry.Flags |= LsaFlagPurged
	entry.Lsa.Hdr.Age = MaxAge
	db.Stats.Purges++
	if db.onFlood != nil {
		db.onFlood(entry.Lsa)
	}
	if db.onChange != nil {
		db.onChange(entry.Lsa, nil)
	}

	// Quiet period stands in for acknowledgement from every adjacency;
	// the retransmission machinery keeps re-flooding until then.
	entry.stopTimers()
	entry.expiryTimer = task.NewTimeout(purgeQuietPeriod, func() {
		db.postEvent(lsdbEvent{kind: lsdbEventExpiry, key: key})
	})
}

// purgeQuietPeriod is how long a purged entry lingers for
// acknowledgement before deletion.
const purgeQuietPeriod = 5 * time.Second

// HandleExpiry finalises a MaxAge entry: delete if already purged,
// otherwise start the purge flood.
func (db *Lsdb) HandleExpiry(key LsaKey) {
	h, ok := db.byKey[key]
	if !ok {
		return
	}
	ep := db.entries.Get(h)
	if ep == nil {
		return
	}
	entry := *ep
	if entry.Flags&LsaFlagPurged != 0 {
		entry.stopTimers()
		db.entries.Remove(h)
		delete(db.byKey, key)

		// A queued wrap origination proceeds once the purge is done.
		if pending, ok := db.delayed[key]; ok && pending.timer == nil {
			delete(db.delayed, key)
			db.originateNow(pending.lsa)
		}
		return
	}
	db.Flush(key)
}

func (db *Lsdb) armExpiry(entry *LsaEntry, key LsaKey) {
	remaining := time.Duration(MaxAge-entry.Lsa.Hdr.Age) * time.Second
	entry.expiryTimer = task.NewTimeout(remaining, func() {
		db.postEvent(lsdbEvent{kind: lsdbEventExpiry, key: key})
	})
}

func (db *Lsdb) armRefresh(entry *LsaEntry, key LsaKey) {
	entry.refreshTimer = task.NewTimeout(LSRefreshTime*time.Second, func() {
		db.postEvent(lsdbEvent{kind: lsdbEventRefresh, key: key})
	})
}

func (e *LsaEntry) stopTimers() {
	e.expiryTimer.Stop()
	e.expiryTimer = nil
	e.refreshTimer.Stop()
	e.refreshTimer = nil
}

// Close stops every entry's timers and the pending origination timers.
func (db *Lsdb) Close() {
	db.entries.Iter(func(_ arena.Handle, ep **LsaEntry) bool {
		(*ep).stopTimers()
		return true
	})
	for _, pending := range db.delayed {
		pending.timer.Stop()
	}
}
