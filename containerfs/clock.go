// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package containerfs

import "github.com/jacobsa/timeutil"

// pkgClock is the time source used to stamp node mtimes. Injected so
// tests can pin time instead of racing the wall clock.
var pkgClock timeutil.Clock = timeutil.RealClock()

// SetClock overrides the package-wide time source. Tests use this to pin
// mtimes to a known value instead of asserting against time.Now().
func SetClock(c timeutil.Clock) { pkgClock = c }

// nowFn returns the current time as seconds since the epoch, the unit the
// on-disk mtime field stores.
func nowFn() uint32 {
	return uint32(pkgClock.Now().Unix())
}
