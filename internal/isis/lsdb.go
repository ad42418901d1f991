package isis

import (
	"log/slog"
	"time"

	"github.com/dantte-lp/gorouted/internal/arena"
	"github.com/dantte-lp/gorouted/internal/task"
)

// Architectural constants (ISO 10589).
const (
	// MaxLspLifetime is the initial remaining lifetime of originated
	// LSPs, in seconds.
	MaxLspLifetime = 1200
	// ZeroAgeLifetime is how long a purged LSP lingers before deletion.
	ZeroAgeLifetime = 60
	// LspRefreshInterval re-originates self LSPs before expiry.
	LspRefreshInterval = 900
	// MinLspGenInterval rate-limits LSP generation per LSP ID.
	MinLspGenInterval = 5
	// InitialSeqNo is the first sequence number.
	InitialSeqNo = 0x00000001
)

// LspFlags mark the lifecycle of a database entry.
type LspFlags uint8

const (
	LspFlagReceived LspFlags = 1 << iota
	LspFlagSelfOriginated
	LspFlagPurged
)

// DbEntry is one LSP database entry.
type DbEntry struct {
	Lsp      *Lsp
	Flags    LspFlags
	BaseTime time.Time

	expiryTimer  *task.Timeout
	refreshTimer *task.Timeout
}

// RemainingLifetime returns the current lifetime, counting down from the
// installed value.
func (e *DbEntry) RemainingLifetime(now time.Time) uint16 {
	elapsed := int(now.Sub(e.BaseTime) / time.Second)
	if elapsed >= int(e.Lsp.Lifetime) {
		return 0
	}
	return e.Lsp.Lifetime - uint16(elapsed)
}

// Freshness is the outcome of comparing two instances of one LSP.
type Freshness int

const (
	Older Freshness = -1
	Same  Freshness = 0
	Newer Freshness = 1
)

// CompareFreshness follows the database freshness ordering: higher
// sequence wins; then higher checksum; then a live copy wins over an
// expired (zero-lifetime) one.
func CompareFreshness(aSeq uint32, aCksum, aLife uint16, bSeq uint32, bCksum, bLife uint16) Freshness {
	switch {
	case aSeq > bSeq:
		return Newer
	case aSeq < bSeq:
		return Older
	}
	switch {
	case aCksum > bCksum:
		return Newer
	case aCksum < bCksum:
		return Older
	}
	switch {
	case aLife != 0 && bLife == 0:
		return Newer
	case aLife == 0 && bLife != 0:
		return Older
	}
	return Same
}

// DbStats counts database events.
type DbStats struct {
	Installs     uint64
	OlderDiscard uint64
	Purges       uint64
	Originations uint64
}

// dbEvent is the timer feedback of the database.
type dbEvent struct {
	kind dbEventKind
	id   LspID
}

type dbEventKind uint8

const (
	dbEventExpiry dbEventKind = iota
	dbEventDelete
	dbEventRefresh
)

// Lsdb is one level's LSP database.
type Lsdb struct {
	logger *slog.Logger
	level  Level

	entries arena.Arena[*DbEntry]
	byID    map[LspID]arena.Handle

	lastGen map[LspID]time.Time

	Stats DbStats

	sysID    SystemID
	onFlood  func(lsp *Lsp)
	onChange func()
	now      func() time.Time
	events   chan<- dbEvent
}

// NewLsdb creates an empty database for one level.
func NewLsdb(logger *slog.Logger, level Level, sysID SystemID, events chan<- dbEvent,
	onFlood func(*Lsp), onChange func()) *Lsdb {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lsdb{
		logger:   logger.With("component", "lsdb", "level", uint8(level)),
		level:    level,
		byID:     make(map[LspID]arena.Handle),
		lastGen:  make(map[LspID]time.Time),
		sysID:    sysID,
		onFlood:  onFlood,
		onChange: onChange,
		now:      time.Now,
		events:   events,
	}
}

// Get returns the entry for an LSP ID.
func (db *Lsdb) Get(id LspID) (*DbEntry, bool) {
	h, ok := db.byID[id]
	if !ok {
		return nil, false
	}
	ep := db.entries.Get(h)
	if ep == nil {
		return nil, false
	}
	return *ep, true
}

// Len returns the entry count.
func (db *Lsdb) Len() int { return db.entries.Len() }

// Iter visits every entry.
func (db *Lsdb) Iter(fn func(*DbEntry) bool) {
	db.entries.Iter(func(_ arena.Handle, ep **DbEntry) bool {
		return fn(*ep)
	})
}

// InstallResult is the outcome of Install.
type InstallResult uint8

const (
	InstallAccepted InstallResult = iota
	InstallDuplicate
	InstallOlder
)

// Install processes one received LSP (ISO 10589 Section 7.3.15).
func (db *Lsdb) Install(lsp *Lsp) InstallResult {
	if cur, ok := db.Get(lsp.LspID); ok {
		switch CompareFreshness(lsp.SeqNo, lsp.Checksum, lsp.Lifetime,
			cur.Lsp.SeqNo, cur.Lsp.Checksum, cur.RemainingLifetime(db.now())) {
		case Older:
			db.Stats.OlderDiscard++
			return InstallOlder
		case Same:
			return InstallDuplicate
		}
	}
	db.install(lsp, LspFlagReceived)
	return InstallAccepted
}

func (db *Lsdb) install(lsp *Lsp, flags LspFlags) {
	now := db.now()
	id := lsp.LspID

	changed := true
	if h, ok := db.byID[id]; ok {
		if ep := db.entries.Get(h); ep != nil {
			changed = !sameTlvs((*ep).Lsp, lsp)
			(*ep).stopTimers()
			db.entries.Remove(h)
		}
		delete(db.byID, id)
	}

	if lsp.LspID.SysID == db.sysID {
		flags |= LspFlagSelfOriginated
	}
	if lsp.Lifetime == 0 {
		flags |= LspFlagPurged
	}

	entry := &DbEntry{Lsp: lsp, Flags: flags, BaseTime: now}
	db.armTimers(entry)
	h := db.entries.Insert(entry)
	db.byID[id] = h
	db.Stats.Installs++

	if db.onFlood != nil {
		db.onFlood(lsp)
	}
	if changed && db.onChange != nil {
		db.onChange()
	}
}

// sameTlvs compares the wire bodies past the header, ignoring the
// volatile lifetime and sequence fields.
func sameTlvs(a, b *Lsp) bool {
	ra, rb := a.Raw(), b.Raw()
	if len(ra) != len(rb) || len(ra) < lspHdrLen {
		return false
	}
	for i := lspHdrLen; i < len(ra); i++ {
		if ra[i] != rb[i] {
			return false
		}
	}
	return true
}

// Originate installs a locally built LSP with the next sequence number,
// rate-limited by MinLspGenInterval per LSP ID. It returns false when
// the origination is refused; a refused LSP is not queued for later.
func (db *Lsdb) Originate(lsp *Lsp) bool {
	now := db.now()
	if now.Sub(db.lastGen[lsp.LspID]) < MinLspGenInterval*time.Second {
		return false
	}

	lsp.SeqNo = InitialSeqNo
	if cur, ok := db.Get(lsp.LspID); ok {
		lsp.SeqNo = cur.Lsp.SeqNo + 1
	}
	lsp.Lifetime = MaxLspLifetime
	buf := make([]byte, 1492)
	if _, err := lsp.Encode(buf); err != nil {
		db.logger.Error("lsp encode failed", "lsp_id", lsp.LspID.String(), "err", err)
		return false
	}

	db.lastGen[lsp.LspID] = now
	db.Stats.Originations++
	db.install(lsp, 0)
	return true
}

// Purge floods the LSP with zero lifetime and keeps the header for
// ZeroAgeLifetime before deletion (ISO 10589 Section 7.3.16.4).
func (db *Lsdb) Purge(id LspID) {
	h, ok := db.byID[id]
	if !ok {
		return
	}
	ep := db.entries.Get(h)
	if ep == nil || (*ep).Flags&LspFlagPurged != 0 {
		return
	}
	entry := *ep

	entry.Flags |= LspFlagPurged
	entry.Lsp.Lifetime = 0
	entry.BaseTime = db.now()
	db.Stats.Purges++
	if db.onFlood != nil {
		db.onFlood(entry.Lsp)
	}
	if db.onChange != nil {
		db.onChange()
	}

	entry.stopTimers()
	id = entry.Lsp.LspID
	entry.expiryTimer = task.NewTimeout(ZeroAgeLifetime*time.Second, func() {
		db.postEvent(dbEvent{kind: dbEventDelete, id: id})
	})
}

// HandleEvent applies one timer event on the main loop.
func (db *Lsdb) HandleEvent(ev dbEvent) {
	switch ev.kind {
	case dbEventExpiry:
		db.Purge(ev.id)
	case dbEventDelete:
		if h, ok := db.byID[ev.id]; ok {
			if ep := db.entries.Get(h); ep != nil && (*ep).Flags&LspFlagPurged != 0 {
				(*ep).stopTimers()
				db.entries.Remove(h)
				delete(db.byID, ev.id)
			}
		}
	case dbEventRefresh:
		entry, ok := db.Get(ev.id)
		if !ok || entry.Flags&LspFlagSelfOriginated == 0 || entry.Flags&LspFlagReceived != 0 {
			return
		}
		fresh := *entry.Lsp
		fresh.raw = nil
		db.Originate(&fresh)
	}
}

func (db *Lsdb) armTimers(entry *DbEntry) {
	id := entry.Lsp.LspID
	if entry.Lsp.Lifetime > 0 {
		entry.expiryTimer = task.NewTimeout(
			time.Duration(entry.Lsp.Lifetime)*time.Second, func() {
				db.postEvent(dbEvent{kind: dbEventExpiry, id: id})
			})
	}
	if entry.Flags&LspFlagSelfOriginated != 0 && entry.Flags&LspFlagReceived == 0 {
		entry.refreshTimer = task.NewTimeout(LspRefreshInterval*time.Second, func() {
			db.postEvent(dbEvent{kind: dbEventRefresh, id: id})
		})
	}
}

func (db *Lsdb) postEvent(ev dbEvent) {
	select {
	case db.events <- ev:
	default:
	}
}

func (e *DbEntry) stopTimers() {
	e.expiryTimer.Stop()
	e.expiryTimer = nil
	e.refreshTimer.Stop()
	e.refreshTimer = nil
}

// Close stops every entry's timers.
func (db *Lsdb) Close() {
	db.entries.Iter(func(_ arena.Handle, ep **DbEntry) bool {
		(*ep).stopTimers()
		return true
	})
}
