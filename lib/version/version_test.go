// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	originalDirty, originalCommit := GitDirty, GitCommit
	t.Cleanup(func() { GitDirty, GitCommit = originalDirty, originalCommit })

	GitCommit = "abc1234"
	GitDirty = "true"
	if info := Info(); !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want it to contain abc1234-dirty", info)
	}

	GitDirty = "false"
	if info := Info(); strings.Contains(info, "-dirty") {
		t.Errorf("Info() = %q, clean build must not be marked dirty", info)
	}
}

func TestUserAgent(t *testing.T) {
	agent := UserAgent()
	if !strings.HasPrefix(agent, "logfire-go/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix logfire-go/%s", agent, Version)
	}
}
