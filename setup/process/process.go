// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"
)

// ProcessContext ties the lifetime of background components (consumers,
// embedded servers) to the process so shutdown can wait for them.
type ProcessContext struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewProcessContext() *ProcessContext {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the process-lifetime context.
func (b *ProcessContext) Context() context.Context {
	return b.ctx
}

// ComponentStarted registers a component that must finish before
// WaitForComponentsToFinish returns.
func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

// ComponentFinished marks a registered component as done.
func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownSyncServer cancels the process context, asking every
// component to stop.
func (b *ProcessContext) ShutdownSyncServer() {
	b.cancel()
}

// WaitForShutdown blocks until shutdown has been requested.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every registered component has
// called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}
