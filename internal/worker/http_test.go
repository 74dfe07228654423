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

package worker

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"ghosthands/internal/job"
)

func statusServer(t *testing.T, disp Dispatcher) (*server.Hertz, *Runtime) {
	t.Helper()
	store := job.NewStoreMem()
	t.Cleanup(store.Close)
	r := newTestRuntime(store, job.NewRegistryMem(), disp)
	h := server.Default(server.WithHostPorts(":0"))
	r.RegisterRoutes(h)
	return h, r
}

func TestWorkerStatusEndpoint(t *testing.T) {
	h, _ := statusServer(t, &fakeDispatcher{})
	w := ut.PerformRequest(h.Engine, "GET", "/worker/status", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("status endpoint: %d", resp.StatusCode())
	}
	var snap StatusSnapshot
	if err := json.Unmarshal(resp.Body(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.WorkerID != "w1" || snap.Status != "active" {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestWorkerHealthIdleAndBusy(t *testing.T) {
	disp := &fakeDispatcher{}
	h, _ := statusServer(t, disp)

	w := ut.PerformRequest(h.Engine, "GET", "/worker/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("idle health: %d", w.Result().StatusCode())
	}

	disp.active.Store(1)
	w = ut.PerformRequest(h.Engine, "GET", "/worker/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 503 {
		t.Fatalf("busy health: %d", w.Result().StatusCode())
	}
}

func TestWorkerDrainEndpoint(t *testing.T) {
	disp := &fakeDispatcher{}
	h, r := statusServer(t, disp)

	w := ut.PerformRequest(h.Engine, "POST", "/worker/drain", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("drain: %d", w.Result().StatusCode())
	}
	if !disp.drained.Load() || !r.Draining() {
		t.Fatalf("drain endpoint did not flip state")
	}

	// 排水后 health 转 503
	w = ut.PerformRequest(h.Engine, "GET", "/worker/health", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	if w.Result().StatusCode() != 503 {
		t.Fatalf("draining health: %d", w.Result().StatusCode())
	}
}

func TestWorkerMetricsEndpoint(t *testing.T) {
	h, _ := statusServer(t, &fakeDispatcher{})
	w := ut.PerformRequest(h.Engine, "GET", "/metrics", &ut.Body{Body: bytes.NewReader(nil), Len: 0})
	resp := w.Result()
	if resp.StatusCode() != 200 {
		t.Fatalf("metrics: %d", resp.StatusCode())
	}
	if !bytes.Contains(resp.Body(), []byte("ghosthands_")) {
		t.Fatalf("metrics body missing collectors: %.200s", resp.Body())
	}
}
