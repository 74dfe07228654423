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

// WakeupQueue 插入后的取活唤醒信号。Pg 部署用 LISTEN/NOTIFY，
// 内存部署用 WakeupMem 让 API 进程内的 Dispatcher 立即醒来。
type WakeupQueue interface {
	// Notify 非阻塞；唤醒只是提示，丢失由兜底轮询覆盖
	Notify(jobID string)
	C() <-chan string
	Close()
}

// WakeupMem channel 实现
type WakeupMem struct {
	ch chan string
}

// NewWakeupMem 创建内存唤醒队列
func NewWakeupMem() *WakeupMem {
	return &WakeupMem{ch: make(chan string, 64)}
}

func (w *WakeupMem) Notify(jobID string) {
	select {
	case w.ch <- jobID:
	default:
	}
}

func (w *WakeupMem) C() <-chan string { return w.ch }

func (w *WakeupMem) Close() { close(w.ch) }
