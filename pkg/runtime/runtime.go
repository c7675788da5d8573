// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime holds the state shared by the operations: the open devices, the default device,
// the program cache and the partition budgets.
//
// A Context is passed explicitly to every operation (see package ops); there is no global state.
package runtime

import (
	"sync"

	"github.com/gomlx/tilegrid/pkg/device"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context of the runtime. It is safe for concurrent use.
type Context struct {
	mu            sync.Mutex
	config        Config
	devices       []*device.Device
	defaultDevice int
	budgets       partition.Budgets
	cache         *ProgramCache
	closed        bool
}

// New opens config.NumDevices devices and returns the Context owning them.
func New(config Config) (*Context, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	ctx := &Context{
		config:  config,
		budgets: config.Budgets,
		cache:   newProgramCache(config.ProgramCache),
	}
	for id := range config.NumDevices {
		d, err := device.Open(id, config.Device)
		if err != nil {
			_ = ctx.Close()
			return nil, errors.WithMessagef(err, "runtime: failed to open device %d", id)
		}
		ctx.devices = append(ctx.devices, d)
	}
	klog.V(1).Infof("runtime: %d device(s) %q, program cache enabled=%v", config.NumDevices, config.Device.Name, config.ProgramCache)
	return ctx, nil
}

// NewDefault returns a Context with DefaultConfig.
func NewDefault() (*Context, error) {
	return New(DefaultConfig())
}

// Config returns the configuration the Context was created with.
func (c *Context) Config() Config {
	return c.config
}

// NumDevices returns the number of open devices.
func (c *Context) NumDevices() int {
	return len(c.devices)
}

// Device returns the device with the given id.
func (c *Context) Device(id int) (*device.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("runtime context is closed")
	}
	if id < 0 || id >= len(c.devices) {
		return nil, errors.Errorf("invalid device id %d, runtime has %d devices", id, len(c.devices))
	}
	return c.devices[id], nil
}

// DefaultDevice returns the device used when none is given.
func (c *Context) DefaultDevice() *device.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[c.defaultDevice]
}

// SetDefaultDevice changes the default device.
func (c *Context) SetDefaultDevice(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < 0 || id >= len(c.devices) {
		return errors.Errorf("invalid default device id %d, runtime has %d devices", id, len(c.devices))
	}
	c.defaultDevice = id
	return nil
}

// Budgets returns the partition budgets used by the operations.
func (c *Context) Budgets() partition.Budgets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.budgets
}

// SetBudgets changes the partition budgets. Cached programs were created for the previous budgets,
// so the program cache is cleared.
func (c *Context) SetBudgets(b partition.Budgets) error {
	if err := b.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.budgets = b
	c.mu.Unlock()
	c.cache.Clear()
	return nil
}

// ProgramCache returns the program cache of the Context.
func (c *Context) ProgramCache() *ProgramCache {
	return c.cache
}

// EnableProgramCache enables the program cache.
func (c *Context) EnableProgramCache() { c.cache.Enable() }

// DisableProgramCache disables the program cache and drops the cached programs.
func (c *Context) DisableProgramCache() { c.cache.Disable() }

// Close drops the cached programs and closes all devices. Device buffers still alive are freed.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cache.Clear()
	var firstErr error
	for _, d := range c.devices {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
