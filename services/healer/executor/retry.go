// Copyright (C) 2025 The Asahi Health Manager Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"strings"
	"time"

	"github.com/jasonpit/asahi-health-manager/services/healer/datatypes"
)

// Backoff window for transient retries. Retry happens only inside the
// EXECUTING state, with a bounded counter; timeouts are not transient.
const (
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
)

// transientPatterns are stderr fragments marking failures worth a
// retry: the package repository being briefly unreachable, or another
// process holding the package-database lock.
var transientPatterns = []string{
	"failed retrieving file",
	"connection timed out",
	"temporary failure in name resolution",
	"could not resolve host",
	"unable to lock database",
	"could not get lock",
	"resource temporarily unavailable",
	"db.lck",
}

// isTransient classifies a failed command result.
func isTransient(result datatypes.CommandResult) bool {
	if result.TimedOut || result.ExitCode == 0 {
		return false
	}
	stderr := strings.ToLower(result.Stderr)
	for _, pattern := range transientPatterns {
		if strings.Contains(stderr, pattern) {
			return true
		}
	}
	return false
}

// backoffDelay returns the exponential delay before retry n (0-based).
func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << attempt
	if delay > retryMaxDelay || delay <= 0 {
		return retryMaxDelay
	}
	return delay
}

// sleepCtx waits for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
