// Copyright 2024 MIMIRO AS
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

package internal

import (
	"os"
	"strconv"
	"strings"
)

type Memory struct {
	Current int64
	Max     int64
}

// ReadMemoryStats reads the memory limit and usage of the process cgroup.
// Outside a container the limit is usually absent and Max stays 0.
func ReadMemoryStats() Memory {
	b, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return Memory{}
	}
	base := strings.TrimSpace(strings.ReplaceAll(string(b), "0::", "/sys/fs/cgroup"))
	maxM, ok := readCgroupInt(base+"/memory.max", "/sys/fs/cgroup/memory/memory.limit_in_bytes")
	if !ok {
		return Memory{}
	}
	curM, ok := readCgroupInt(base+"/memory.current", "/sys/fs/cgroup/memory/memory.usage_in_bytes")
	if !ok {
		return Memory{}
	}
	return Memory{Current: curM, Max: maxM}
}

// readCgroupInt reads the first parsable file. cgroup v2 writes "max" for
// an unlimited group, which counts as not available.
func readCgroupInt(paths ...string) (int64, bool) {
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		v, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}
