package program

import (
	"github.com/gomlx/tilegrid/pkg/core/grid"
	"github.com/pkg/errors"
)

// Validate checks the consistency of the program for a device with a compute grid of the given size,
// before anything is allocated or launched:
//
//   - Every core is within the grid, runs at most one kernel per role, and every data movement
//     kernel has runtime arguments on each of its cores.
//   - Circular buffer indices are unique per core, and aliases refer to a buffer on the same cores.
//   - Multicast groups are well-formed: the receivers are a non-empty rectangle not containing the
//     sender, and both semaphores exist on all members. A wrong group would otherwise hang the
//     device.
//   - Address bindings point to existing runtime arguments.
func (p *Program) Validate(size grid.Size) error {
	if len(p.Kernels) == 0 {
		return errors.Errorf("program %q has no kernels", p.Name)
	}
	inGrid := func(c grid.CoreCoord) bool {
		return c.X >= 0 && c.Y >= 0 && c.X < size.X && c.Y < size.Y
	}

	// Kernels.
	roles := make(map[grid.CoreCoord]map[Role]string)
	for _, k := range p.Kernels {
		if k.Cores.Empty() {
			return errors.Errorf("program %q: kernel %q has no cores", p.Name, k.Name)
		}
		for c := range k.Cores.Cores() {
			if !inGrid(c) {
				return errors.Errorf("program %q: kernel %q placed on core %s outside of the %dx%d grid",
					p.Name, k.Name, c, size.X, size.Y)
			}
			if roles[c] == nil {
				roles[c] = make(map[Role]string)
			}
			if other, found := roles[c][k.Role]; found {
				return errors.Errorf("program %q: core %s runs two %s kernels (%q and %q)", p.Name, c, k.Role, other, k.Name)
			}
			roles[c][k.Role] = k.Name
			if _, found := k.RuntimeArgs[c]; !found && k.Role != Compute {
				return errors.Errorf("program %q: kernel %q has no runtime arguments for core %s", p.Name, k.Name, c)
			}
		}
		for c := range k.RuntimeArgs {
			if !k.Cores.Contains(c) {
				return errors.Errorf("program %q: kernel %q has runtime arguments for core %s it doesn't run on", p.Name, k.Name, c)
			}
		}
	}

	// Circular buffers.
	type cbKey struct {
		core  grid.CoreCoord
		index int
	}
	declared := make(map[cbKey]*CircularBuffer)
	for _, cb := range p.CircularBuffers {
		if cb.Index < 0 || cb.Index >= MaxCircularBuffers {
			return errors.Errorf("program %q: circular buffer index %d out of range [0, %d)", p.Name, cb.Index, MaxCircularBuffers)
		}
		if cb.NumPages <= 0 || cb.PageSize == 0 {
			return errors.Errorf("program %q: circular buffer %d is empty (%d pages of %d bytes)", p.Name, cb.Index, cb.NumPages, cb.PageSize)
		}
		for c := range cb.Cores.Cores() {
			if !inGrid(c) {
				return errors.Errorf("program %q: circular buffer %d on core %s outside of the grid", p.Name, cb.Index, c)
			}
			key := cbKey{c, cb.Index}
			if _, found := declared[key]; found {
				return errors.Errorf("program %q: circular buffer %d declared twice on core %s", p.Name, cb.Index, c)
			}
			declared[key] = cb
		}
	}
	for _, cb := range p.CircularBuffers {
		if !cb.HasAlias {
			continue
		}
		for c := range cb.Cores.Cores() {
			target, found := declared[cbKey{c, cb.AliasOf}]
			if !found || target.HasAlias {
				return errors.Errorf("program %q: circular buffer %d aliases buffer %d, not declared (or itself an alias) on core %s",
					p.Name, cb.Index, cb.AliasOf, c)
			}
			if cb.Size() > target.Size() {
				return errors.Errorf("program %q: circular buffer %d (%d bytes) is larger than the buffer %d it aliases (%d bytes)",
					p.Name, cb.Index, cb.Size(), target.Index, target.Size())
			}
		}
	}

	// Semaphores and multicast groups.
	if len(p.Semaphores) > MaxSemaphores {
		return errors.Errorf("program %q: %d semaphores, at most %d supported", p.Name, len(p.Semaphores), MaxSemaphores)
	}
	semaphoreOn := func(addr uint32, c grid.CoreCoord) bool {
		for _, s := range p.Semaphores {
			if s.Address == addr && s.Cores.Contains(c) {
				return true
			}
		}
		return false
	}
	type groupKey struct {
		core      grid.CoreCoord
		semaphore uint32
	}
	membership := make(map[groupKey]string)
	for _, g := range p.Groups {
		if !g.Receivers.Valid() {
			return errors.Errorf("program %q: multicast group %q has an invalid receivers range %s", p.Name, g.Name, g.Receivers)
		}
		if g.Receivers.Contains(g.Sender) {
			return errors.Errorf("program %q: multicast group %q sender %s is within its receivers %s",
				p.Name, g.Name, g.Sender, g.Receivers)
		}
		if !inGrid(g.Sender) || !inGrid(g.Receivers.Start) || !inGrid(g.Receivers.End) {
			return errors.Errorf("program %q: multicast group %q outside of the grid", p.Name, g.Name)
		}
		if !semaphoreOn(g.SenderSemaphore, g.Sender) {
			return errors.Errorf("program %q: multicast group %q: no sender semaphore 0x%x on sender %s",
				p.Name, g.Name, g.SenderSemaphore, g.Sender)
		}
		if g.Count != nil {
			if err := p.validateGroupCount(g); err != nil {
				return err
			}
		}
		members := append([]grid.CoreCoord{g.Sender}, collect(g.Receivers)...)
		for i, c := range members {
			if i > 0 && !semaphoreOn(g.ReceiverSemaphore, c) {
				return errors.Errorf("program %q: multicast group %q: no receiver semaphore 0x%x on receiver %s",
					p.Name, g.Name, g.ReceiverSemaphore, c)
			}
			if _, found := roles[c]; !found {
				return errors.Errorf("program %q: multicast group %q: core %s runs no kernel", p.Name, g.Name, c)
			}
			key := groupKey{c, g.ReceiverSemaphore}
			if i == 0 {
				key.semaphore = g.SenderSemaphore
			}
			if other, found := membership[key]; found {
				return errors.Errorf("program %q: core %s belongs to multicast groups %q and %q on the same semaphore",
					p.Name, c, other, g.Name)
			}
			membership[key] = g.Name
		}
	}

	// Address bindings.
	for _, b := range p.Bindings {
		if int(b.Kernel) < 0 || int(b.Kernel) >= len(p.Kernels) {
			return errors.Errorf("program %q: address binding to invalid kernel %d", p.Name, b.Kernel)
		}
		args, found := p.Kernels[b.Kernel].RuntimeArgs[b.Core]
		if !found || b.Arg < 0 || b.Arg >= len(args) {
			return errors.Errorf("program %q: address binding to missing runtime argument %d of kernel %q on core %s",
				p.Name, b.Arg, p.Kernels[b.Kernel].Name, b.Core)
		}
	}
	return nil
}

func collect(r grid.CoreRange) []grid.CoreCoord {
	var cores []grid.CoreCoord
	for c := range r.Cores() {
		cores = append(cores, c)
	}
	return cores
}

// validateGroupCount checks that the sender of the group waits for exactly its receivers, otherwise the
// launch would hang or signal cores that are not in the group.
func (p *Program) validateGroupCount(g MulticastGroup) error {
	c := g.Count
	if int(c.Kernel) < 0 || int(c.Kernel) >= len(p.Kernels) {
		return errors.Errorf("program %q: multicast group %q count bound to invalid kernel %d", p.Name, g.Name, c.Kernel)
	}
	k := p.Kernels[c.Kernel]
	args, found := k.RuntimeArgs[g.Sender]
	if !found || c.Arg < 0 || c.Arg >= len(args) {
		return errors.Errorf("program %q: multicast group %q count bound to missing runtime argument %d of kernel %q on sender %s",
			p.Name, g.Name, c.Arg, k.Name, g.Sender)
	}
	want := g.Receivers.Size()
	if c.IncludesSender {
		want++
	}
	if got := int(args[c.Arg]); got != want {
		return errors.Errorf("program %q: multicast group %q has %d receivers, but runtime argument %d of kernel %q on sender %s is %d (expected %d)",
			p.Name, g.Name, g.Receivers.Size(), c.Arg, k.Name, g.Sender, got, want)
	}
	return nil
}
