package page

import (
	"fmt"

	"github.com/faultmap/faultmap/internal/region"
)

// State is the lifecycle state of a buffer slot.
type State int

const (
	Free State = iota
	Filling
	Present
	Updating
	Leaving
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Filling:
		return "FILLING"
	case Present:
		return "PRESENT"
	case Updating:
		return "UPDATING"
	case Leaving:
		return "LEAVING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Descriptor is one slot of the page buffer. All fields are guarded by the
// buffer mutex; workers may read the immutable-per-cycle fields (Page,
// Region, DataPresent, Dirty) while the descriptor is in a transient state
// they own.
type Descriptor struct {
	// Page is the virtual base address of the mapped page, 0 iff State is
	// Free.
	Page uintptr

	Region *region.Region

	State State

	Dirty bool

	// Deferred marks a page being torn down with its region. It will be
	// freed, but evict workers leave the free-list accounting to the
	// teardown path.
	Deferred bool

	// DataPresent is set once the page content has been materialized by a
	// fill. A dirty descriptor with data present only needs its write
	// protection lifted.
	DataPresent bool

	// Pinned pages are never selected for eviction until their region is
	// removed.
	Pinned bool

	// Spurious counts faults that arrived for an already-present page and
	// required no work.
	Spurious int
}

func (pd *Descriptor) String() string {
	return fmt.Sprintf("{page: %#x, state: %s, dirty: %t, deferred: %t, data: %t, pinned: %t, spurious: %d}",
		pd.Page, pd.State, pd.Dirty, pd.Deferred, pd.DataPresent, pd.Pinned, pd.Spurious)
}

func (pd *Descriptor) SetFilling() {
	pd.mustBeIn(Free)
	pd.State = Filling
}

func (pd *Descriptor) SetPresent() {
	pd.mustBeIn(Filling, Updating)
	pd.State = Present
}

func (pd *Descriptor) SetUpdating() {
	pd.mustBeIn(Present)
	pd.State = Updating
}

func (pd *Descriptor) SetLeaving() {
	pd.mustBeIn(Present)
	pd.State = Leaving
}

func (pd *Descriptor) SetFree() {
	pd.mustBeIn(Leaving)
	pd.State = Free
}

// Illegal transitions are bugs in the lock protocol, not runtime
// conditions.
func (pd *Descriptor) mustBeIn(states ...State) {
	for _, s := range states {
		if pd.State == s {
			return
		}
	}

	panic(fmt.Sprintf("illegal page state transition from %s: %s", pd.State, pd))
}
