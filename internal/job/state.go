// Copyright 2026 fanjia1024
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

package job

// allowedTransitions Job 状态机允许的变迁；其余一律拒绝。
// queued/running → pending 覆盖重试入队与心跳回收两条路径；
// queued → failed 是预检（月度预算）拒绝的落点。
var allowedTransitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled, StatusExpired},
	StatusQueued:  {StatusRunning, StatusPending, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused, StatusExpired, StatusPending},
	StatusPaused:  {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition 判断 from → to 是否为允许的变迁
func CanTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
