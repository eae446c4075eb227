// Package iop loads IOP program packages into a read-only object model of
// programs, entrypoints, IO descriptors and tensor layouts.
//
// A Container owns its copy of the package bytes and the single native handle
// the driver produced for them. Everything reachable from the container is a
// plain value captured at parse time; only the container is closed.
package iop

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/gomithril/iopruntime/blobs"
	"github.com/gomithril/iopruntime/driver"
	"github.com/rs/zerolog/log"
)

// Container is a parsed IOP package.
type Container struct {
	data     []byte
	handle   driver.ContainerHandle
	programs []*Program

	closeOnce sync.Once
}

// Parse copies data and parses it eagerly with p. On failure nothing is
// returned and the native handle, if any, is already released.
func Parse(p driver.Parser, data []byte) (*Container, error) {
	c := &Container{data: slices.Clone(data)}

	handle, err := p.Parse(c.data)
	if err != nil {
		return nil, &ParseError{Step: "init", Err: err}
	}
	c.handle = handle

	if err := c.initialize(); err != nil {
		if rerr := handle.Release(); rerr != nil {
			log.Debug().Err(rerr).Msg("releasing container after parse failure")
		}
		return nil, err
	}

	log.Debug().Int("bytes", len(c.data)).Int("programs", len(c.programs)).Msg("parsed container")
	return c, nil
}

// Load fetches an IOP package from a path or URL and parses it.
func Load(ctx context.Context, p driver.Parser, uri string) (*Container, error) {
	data, err := blobs.Read(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("reading container %q: %w", uri, err)
	}
	c, err := Parse(p, data)
	if err != nil {
		return nil, fmt.Errorf("parsing container %q: %w", uri, err)
	}
	return c, nil
}

func (c *Container) initialize() error {
	n, err := c.handle.NumPrograms()
	if err != nil {
		return &ParseError{Step: "programs", Err: err}
	}
	for nth := 0; nth < n; nth++ {
		ph, err := c.handle.Program(nth)
		if err != nil {
			return &ParseError{Step: fmt.Sprintf("program %d", nth), Err: err}
		}
		name, err := c.handle.ProgramName(nth)
		if err != nil {
			return &ParseError{Step: fmt.Sprintf("program %d name", nth), Err: err}
		}
		program, err := newProgram(ph, name)
		if err != nil {
			return err
		}
		c.programs = append(c.programs, program)
	}
	return nil
}

// Close releases the native handle. Only the first call does anything.
func (c *Container) Close() {
	c.closeOnce.Do(func() {
		if err := c.handle.Release(); err != nil {
			log.Debug().Err(err).Msg("releasing container")
		}
	})
}

// Handle exposes the native handle to driver code that needs it, such as
// loading a program onto a device. Callers must not release it.
func (c *Container) Handle() driver.ContainerHandle { return c.handle }

// Size is the byte size of the package.
func (c *Container) Size() int { return len(c.data) }

func (c *Container) Programs() []*Program { return slices.Clone(c.programs) }

func (c *Container) NumPrograms() int { return len(c.programs) }

func (c *Container) Program(index int) (*Program, error) {
	if err := checkIndex("program", index, len(c.programs)); err != nil {
		return nil, err
	}
	return c.programs[index], nil
}

// ProgramByName returns the index of the named program.
func (c *Container) ProgramByName(name string) (int, *Program, bool) {
	for i, p := range c.programs {
		if sameName(p.name, name) {
			return i, p, true
		}
	}
	return -1, nil, false
}

// EntryPoint resolves a program and entrypoint index pair.
func (c *Container) EntryPoint(t driver.Target) (*EntryPoint, error) {
	program, err := c.Program(t.Program)
	if err != nil {
		return nil, err
	}
	return program.EntryPoint(t.EntryPoint)
}
