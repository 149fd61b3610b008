// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package service

import (
	"testing"
	"time"

	"github.com/AleutianAI/coreswitch/cmd/coreswitch/config"
	"github.com/stretchr/testify/assert"
)

func TestCanReinstall(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) int64 { return now.Add(-d).Unix() }

	tests := []struct {
		name  string
		state config.ServiceState
		want  bool
	}{
		{"never installed", config.ServiceState{}, true},
		{"inside cooldown", config.ServiceState{LastInstallTime: ago(time.Minute), InstallCount: 1}, false},
		{"cooldown passed", config.ServiceState{LastInstallTime: ago(6 * time.Minute), InstallCount: 2}, true},
		{"cap reached inside window", config.ServiceState{LastInstallTime: ago(time.Hour), InstallCount: 3}, false},
		{"cap reached, window expired", config.ServiceState{LastInstallTime: ago(25 * time.Hour), InstallCount: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanReinstall(tt.state, now))
		})
	}
}

func TestRecordInstall(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	st := config.ServiceState{LastInstallTime: now.Add(-time.Hour).Unix(), InstallCount: 2, LastError: "old"}
	RecordInstall(&st, now)
	assert.Equal(t, uint32(3), st.InstallCount)
	assert.Equal(t, now.Unix(), st.LastInstallTime)
	assert.Empty(t, st.LastError)

	st = config.ServiceState{LastInstallTime: now.Add(-25 * time.Hour).Unix(), InstallCount: 3}
	RecordInstall(&st, now)
	assert.Equal(t, uint32(1), st.InstallCount)
}

func TestNextReinstall(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	last := now.Add(-time.Minute)

	st := config.ServiceState{LastInstallTime: last.Unix(), InstallCount: 1}
	assert.Equal(t, last.Add(ReinstallCooldown), NextReinstall(st, now))

	st.InstallCount = 3
	assert.Equal(t, last.Add(InstallWindow), NextReinstall(st, now))

	assert.Equal(t, now, NextReinstall(config.ServiceState{}, now))
}
