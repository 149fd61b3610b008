// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package util provides leaf utilities shared by the coreswitch packages.
//
// It depends only on the standard library:
//
//   - Timeouts: the bounded waits used by the switch coordinator, the IPC
//     client and shutdown, with minimum/default enforcement
//   - Command errors: exit code and stderr capture for installer and engine
//     invocations
//   - Goroutine safety: panic recovery for fire-and-forget work
package util
