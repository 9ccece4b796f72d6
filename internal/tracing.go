// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	"github.com/opentracing/opentracing-go"
)

// Trace is a lightweight wrapper around an opentracing span. With no
// tracer configured the global no-op tracer makes every call free.
type Trace struct {
	span opentracing.Span
}

// StartTask begins a root span for one unit of externally-driven work,
// such as a sync request.
func StartTask(inCtx context.Context, name string) (Trace, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(inCtx, name)
	return Trace{span: span}, ctx
}

// StartRegion begins a child span inside an existing task.
func StartRegion(inCtx context.Context, name string) (Trace, context.Context) {
	return StartTask(inCtx, name)
}

// EndTask finishes the span.
func (t Trace) EndTask() {
	t.span.Finish()
}

// EndRegion finishes the span.
func (t Trace) EndRegion() {
	t.span.Finish()
}

// SetTag attaches a key/value annotation to the span.
func (t Trace) SetTag(key string, value interface{}) {
	t.span.SetTag(key, value)
}
