package digest

import "sync/atomic"

// slotState is the allocation state of a slot.
type slotState uint32

const (
	stateFree slotState = iota
	stateDirty
	stateAllocated
)

func (s slotState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateDirty:
		return "dirty"
	case stateAllocated:
		return "allocated"
	default:
		return "unknown"
	}
}

const (
	stateMask    = 0x3
	versionShift = 2
)

// slotLock packs {version, state} into one word. Each transition is a CAS on
// the whole word and bumps the version, so a goroutine holding a stale word
// can never complete a transition after the slot has cycled.
type slotLock struct {
	word atomic.Uint32
}

// dirtyState is the word observed when a goroutine took a slot to Dirty.
// Only its holder may move the slot out of Dirty.
type dirtyState uint32

func pack(version uint32, s slotState) uint32 {
	return version<<versionShift | uint32(s)
}

func unpack(w uint32) (uint32, slotState) {
	return w >> versionShift, slotState(w & stateMask)
}

func (l *slotLock) state() slotState {
	_, s := unpack(l.word.Load())
	return s
}

func (l *slotLock) version() uint32 {
	v, _ := unpack(l.word.Load())
	return v
}

func (l *slotLock) isFree() bool {
	return l.state() == stateFree
}

func (l *slotLock) isAllocated() bool {
	return l.state() == stateAllocated
}

// transition moves the slot from state from to state to, bumping the version.
// It fails if the current state is not from.
func (l *slotLock) transition(from, to slotState) (dirtyState, bool) {
	old := l.word.Load()
	v, s := unpack(old)
	if s != from {
		return 0, false
	}
	next := pack(v+1, to)
	if !l.word.CompareAndSwap(old, next) {
		return 0, false
	}
	return dirtyState(next), true
}

// freeToDirty claims a free slot. Exactly one concurrent caller wins.
func (l *slotLock) freeToDirty() (dirtyState, bool) {
	return l.transition(stateFree, stateDirty)
}

// allocatedToDirty takes an allocated slot back to Dirty for a purge.
func (l *slotLock) allocatedToDirty() (dirtyState, bool) {
	return l.transition(stateAllocated, stateDirty)
}

// dirtyToAllocated publishes a slot claimed with ds.
func (l *slotLock) dirtyToAllocated(ds dirtyState) bool {
	v, _ := unpack(uint32(ds))
	return l.word.CompareAndSwap(uint32(ds), pack(v+1, stateAllocated))
}

// dirtyToFree releases a slot claimed with ds.
func (l *slotLock) dirtyToFree(ds dirtyState) bool {
	v, _ := unpack(uint32(ds))
	return l.word.CompareAndSwap(uint32(ds), pack(v+1, stateFree))
}

// setAllocated forces the slot to Allocated. Only used for the overflow slot,
// which is never claimed through freeToDirty.
func (l *slotLock) setAllocated() {
	for {
		old := l.word.Load()
		v, _ := unpack(old)
		if l.word.CompareAndSwap(old, pack(v+1, stateAllocated)) {
			return
		}
	}
}
