// Copyright 2025 Ekjot Singh
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package tikv

import (
	"github.com/pingcap/errors"
)

var (
	// ErrBodyMissing response body is missing error
	ErrBodyMissing = errors.New("response body is missing")
	// ErrTiKVServerTimeout is the error when a store cannot be reached within
	// the retry budget.
	ErrTiKVServerTimeout = errors.New("tikv server timeout")
	// ErrTiKVServerBusy is the error when a store rejects requests for being
	// overloaded.
	ErrTiKVServerBusy = errors.New("tikv server busy")
	// ErrPDServerTimeout is the error when the placement driver cannot be
	// reached within the retry budget. Region routing is unavailable until it
	// recovers.
	ErrPDServerTimeout = errors.New("pd server timeout")
	// ErrRegionUnavailable is the error when a region's routing keeps failing
	// beyond the retry budget.
	ErrRegionUnavailable = errors.New("region unavailable")
	// ErrMaxScanLimitExceeded is returned when the scan limit is greater than
	// MaxRawKVScanLimit.
	ErrMaxScanLimitExceeded = errors.New("limit should not be greater than MaxRawKVScanLimit")
)
