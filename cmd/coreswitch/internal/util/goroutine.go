// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"context"
	"runtime/debug"
)

// SafeGoResult captures a recovered panic and its stack.
type SafeGoResult struct {
	PanicValue any
	Stack      string
}

// SafeGo runs fn in a goroutine, recovering any panic into onPanic.
//
// onPanic may be nil, in which case the panic is silently recovered.
func SafeGo(fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		fn()
	}()
}

// SafeGoWithContext is SafeGo that skips fn when ctx is already done.
func SafeGoWithContext(ctx context.Context, fn func(), onPanic func(SafeGoResult)) {
	go func() {
		defer RecoverPanic(onPanic)()
		select {
		case <-ctx.Done():
			return
		default:
			fn()
		}
	}()
}

// RecoverPanic returns a function to defer that recovers a panic into onPanic.
func RecoverPanic(onPanic func(SafeGoResult)) func() {
	return func() {
		if r := recover(); r != nil {
			if onPanic != nil {
				onPanic(SafeGoResult{PanicValue: r, Stack: string(debug.Stack())})
			}
		}
	}
}
