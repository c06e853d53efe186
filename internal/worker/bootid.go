// Copyright 2025 Tom Barlow
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

package worker

import (
	"os"
	"sync"
)

var fallbackOnce = sync.OnceValue(func() string {
	// Best effort: without a kernel boot id the registry can only key on the
	// host. Reused pids after a reboot are then caught by the liveness probe
	// alone, which is the pre-boot_id behavior.
	host, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return host
})

func fallbackBootID() string {
	return fallbackOnce()
}
