// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStreamPositionIsMonotonic(t *testing.T) {
	prev := NewStreamPosition()
	for i := 0; i < 1000; i++ {
		next := NewStreamPosition()
		require.True(t, next.IsAfter(prev), "position %q should sort after %q", next, prev)
		prev = next
	}
}

func TestParseStreamToken(t *testing.T) {
	valid := NewStreamPosition()

	tests := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{name: "empty", input: "", wantOK: false},
		{name: "garbage", input: "not-a-token", wantOK: false},
		{name: "truncated", input: string(valid)[:10], wantOK: false},
		{name: "valid", input: string(valid), wantOK: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pos, ok := ParseStreamToken(tc.input)
			assert.Equal(t, tc.wantOK, ok)
			if tc.wantOK {
				assert.Equal(t, StreamPosition(tc.input), pos)
			} else {
				assert.True(t, pos.IsEmpty(), "rejected token must yield the empty position")
			}
		})
	}
}

func TestMaxStreamPosition(t *testing.T) {
	a := NewStreamPosition()
	b := NewStreamPosition()
	c := NewStreamPosition()

	assert.Equal(t, c, MaxStreamPosition(a, c, b))
	assert.Equal(t, c, MaxStreamPosition(c))
	assert.Equal(t, b, MaxStreamPosition("", b, a))
	assert.True(t, MaxStreamPosition().IsEmpty())
}

func TestStreamPositionTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	pos := NewStreamPosition()
	after := time.Now().Add(time.Second)

	allocatedAt, ok := pos.Time()
	require.True(t, ok)
	assert.True(t, allocatedAt.After(before), "allocation time %v should be after %v", allocatedAt, before)
	assert.True(t, allocatedAt.Before(after), "allocation time %v should be before %v", allocatedAt, after)

	_, ok = StreamPosition("").Time()
	assert.False(t, ok)
	_, ok = StreamPosition("not-a-token").Time()
	assert.False(t, ok)
	// A random (v4) UUID parses but carries no clock.
	_, ok = StreamPosition("8d7a3a62-11f1-4b7e-9e54-2f0f6a0d3c21").Time()
	assert.False(t, ok)
}

func TestEmptyPositionSortsFirst(t *testing.T) {
	pos := NewStreamPosition()
	assert.True(t, pos.IsAfter(""))
	assert.False(t, StreamPosition("").IsAfter(pos))
}
