//
// Copyright 2024 The Schedlens Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS-IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//
package apiservice

import (
	"context"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/analysis/sched"
	"github.com/schedlens/schedlens/analysis/schedtestcommon"
	"github.com/schedlens/schedlens/server/models"
	"github.com/schedlens/schedlens/server/storageservice"
)

var ctx = context.Background()

const collectionName = "test_collection"

var testTopology = models.SystemTopology{
	LogicalCores: []models.LogicalCore{{
		CPUID:      1,
		SocketID:   0,
		NumaNodeID: 0,
		DieID:      0,
		CoreID:     1,
		ThreadID:   0,
	}, {
		CPUID:      2,
		SocketID:   0,
		NumaNodeID: 0,
		DieID:      0,
		CoreID:     2,
		ThreadID:   0,
	}},
}

// fakeStorageService serves a single prebuilt collection.
type fakeStorageService struct {
	collection *storageservice.CachedCollection
}

func (fss *fakeStorageService) GetCollection(_ context.Context, name string) (*storageservice.CachedCollection, error) {
	if name != collectionName {
		return nil, status.Errorf(codes.NotFound, "no collection %q", name)
	}
	return fss.collection, nil
}

func (fss *fakeStorageService) UploadFile(context.Context, *models.CreateCollectionRequest, io.Reader) (string, error) {
	return "", status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) DeleteCollection(context.Context, string, string) error {
	return status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) GetCollectionMetadata(context.Context, string) (models.Metadata, error) {
	return models.Metadata{}, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) EditCollection(context.Context, string, *models.EditCollectionRequest) error {
	return status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) ListCollectionMetadata(context.Context, string, string) ([]models.Metadata, error) {
	return nil, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) GetCollectionParameters(context.Context, string) (models.CollectionParametersResponse, error) {
	return models.CollectionParametersResponse{}, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) GetFtraceEvents(context.Context, *models.FtraceEventsRequest) (models.FtraceEventsResponse, error) {
	return models.FtraceEventsResponse{}, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) SetFailOnUnknownEventFormat(bool) {}

func testAPIService(t *testing.T) *APIService {
	t.Helper()
	collection, err := sched.NewCollection(schedtestcommon.TestTrace1(t), sched.NormalizeTimestamps(true))
	if err != nil {
		t.Fatalf("unexpected error building collection: %s", err)
	}
	return &APIService{
		StorageService: &fakeStorageService{
			collection: &storageservice.CachedCollection{
				Collection:     collection,
				SystemTopology: testTopology,
				Payload:        map[string]interface{}{},
			},
		},
	}
}

func TestGetCPUIntervals(t *testing.T) {
	as := testAPIService(t)

	res, err := as.GetCPUIntervals(ctx, &models.CPUIntervalsRequest{
		CollectionName:   collectionName,
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error thrown by GetCPUIntervals: %s", err)
	}

	// An empty CPU filter expands to all CPUs in the collection.
	if len(res.Intervals) != 2 {
		t.Fatalf("wrong number of per-CPU results. got: %d, want: %d", len(res.Intervals), 2)
	}
	for i, wantCPU := range []int64{1, 2} {
		if res.Intervals[i].CPU != wantCPU {
			t.Errorf("wrong CPU at index %d. got: %d, want: %d", i, res.Intervals[i].CPU, wantCPU)
		}
		if len(res.Intervals[i].Running) == 0 {
			t.Errorf("expected running intervals for CPU %d, got none", wantCPU)
		}
	}
}

func TestGetPIDIntervals(t *testing.T) {
	as := testAPIService(t)

	res, err := as.GetPIDIntervals(ctx, &models.PIDIntervalsRequest{
		CollectionName:   collectionName,
		Pids:             []int64{100},
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error thrown by GetPIDIntervals: %s", err)
	}

	if len(res.PIDIntervals) != 1 {
		t.Fatalf("wrong number of per-PID results. got: %d, want: %d", len(res.PIDIntervals), 1)
	}
	pi := res.PIDIntervals[0]
	if pi.PID != 100 {
		t.Errorf("wrong PID in result. got: %d, want: %d", pi.PID, 100)
	}
	// The thread waits from 0 to 10, then runs until the end of the trace.
	if len(pi.Intervals) != 2 {
		t.Fatalf("wrong number of intervals. got: %d, want: %d", len(pi.Intervals), 2)
	}
	for i, interval := range pi.Intervals {
		if interval.CPU != 1 {
			t.Errorf("wrong CPU on interval %d. got: %d, want: %d", i, interval.CPU, 1)
		}
	}
	if pi.Intervals[0].StartTimestamp != 0 || pi.Intervals[1].StartTimestamp != 10 {
		t.Errorf("wrong interval start times. got: [%d, %d], want: [0, 10]",
			pi.Intervals[0].StartTimestamp, pi.Intervals[1].StartTimestamp)
	}
}

func TestGetAntagonists(t *testing.T) {
	as := testAPIService(t)

	res, err := as.GetAntagonists(ctx, &models.AntagonistsRequest{
		CollectionName:   collectionName,
		Pids:             []int64{300},
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error thrown by GetAntagonists: %s", err)
	}

	if len(res.Antagonists) != 1 {
		t.Fatalf("wrong number of antagonist sets. got: %d, want: %d", len(res.Antagonists), 1)
	}
	// PID 300 wakes at 90 and waits until the end of the trace while PID 100
	// occupies CPU 1.
	want := &sched.Antagonists{
		Victims: []*sched.Thread{{
			PID:      300,
			Command:  "Process3",
			Priority: 50,
		}},
		Antagonisms: []*sched.Antagonism{{
			RunningThread: &sched.Thread{
				PID:      100,
				Command:  "Process1",
				Priority: 50,
			},
			CPU:            1,
			StartTimestamp: 90,
			EndTimestamp:   100,
		}},
		StartTimestamp: 0,
		EndTimestamp:   100,
	}
	if diff := cmp.Diff(want, res.Antagonists[0]); diff != "" {
		t.Fatalf("TestGetAntagonists: Diff -want +got:\n%s", diff)
	}
}

func TestGetPerThreadEventSeries(t *testing.T) {
	as := testAPIService(t)

	res, err := as.GetPerThreadEventSeries(ctx, &models.PerThreadEventSeriesRequest{
		CollectionName:   collectionName,
		Pids:             []int64{100},
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error thrown by GetPerThreadEventSeries: %s", err)
	}

	if len(res.EventSeries) != 1 {
		t.Fatalf("wrong number of event series. got: %d, want: %d", len(res.EventSeries), 1)
	}
	es := res.EventSeries[0]
	if es.Pid != 100 {
		t.Errorf("wrong PID in event series. got: %d, want: %d", es.Pid, 100)
	}
	// PID 100 wakes at 0, switches in at 10, and switches out at 100.
	if len(es.Events) != 3 {
		t.Fatalf("wrong number of events. got: %d, want: %d", len(es.Events), 3)
	}
	for i := 1; i < len(es.Events); i++ {
		if es.Events[i].Timestamp < es.Events[i-1].Timestamp {
			t.Errorf("events out of temporal order at index %d", i)
		}
	}
}

func TestGetThreadSummaries(t *testing.T) {
	as := testAPIService(t)

	res, err := as.GetThreadSummaries(ctx, &models.ThreadSummariesRequest{
		CollectionName:   collectionName,
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	})
	if err != nil {
		t.Fatalf("unexpected error thrown by GetThreadSummaries: %s", err)
	}

	gotPIDs := map[sched.PID]struct{}{}
	for _, metrics := range res.Metrics {
		for _, pid := range metrics.Pids {
			gotPIDs[pid] = struct{}{}
		}
	}
	wantPIDs := map[sched.PID]struct{}{100: {}, 200: {}, 300: {}, 400: {}}
	if diff := cmp.Diff(wantPIDs, gotPIDs); diff != "" {
		t.Fatalf("wrong summarized PIDs; Diff -want +got:\n%s", diff)
	}
}

func TestGetUtilizationMetrics(t *testing.T) {
	as := testAPIService(t)

	req := &models.UtilizationMetricsRequest{
		CollectionName:   collectionName,
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	}
	res, err := as.GetUtilizationMetrics(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error thrown by GetUtilizationMetrics: %s", err)
	}

	if diff := cmp.Diff(*req, res.Request); diff != "" {
		t.Errorf("request not echoed in response; Diff -want +got:\n%s", diff)
	}
	// Both CPUs run throughout the trace, so nothing is ever idle while
	// another CPU is overloaded.
	um := res.UtilizationMetrics
	if um.WallTime != 0 || um.PerCPUTime != 0 || um.PerThreadTime != 0 {
		t.Errorf("expected no idle-while-overloaded time, got WallTime %d, PerCPUTime %d, PerThreadTime %d",
			um.WallTime, um.PerCPUTime, um.PerThreadTime)
	}
	if um.UtilizationFraction != 1.0 {
		t.Errorf("wrong utilization fraction. got: %f, want: %f", um.UtilizationFraction, 1.0)
	}
}

func TestGetSystemTopology(t *testing.T) {
	as := testAPIService(t)

	topology, err := as.GetSystemTopology(ctx, collectionName)
	if err != nil {
		t.Fatalf("unexpected error thrown by GetSystemTopology: %s", err)
	}
	if diff := cmp.Diff(testTopology, topology); diff != "" {
		t.Fatalf("TestGetSystemTopology: Diff -want +got:\n%s", diff)
	}
}

func TestMissingCollectionName(t *testing.T) {
	as := testAPIService(t)

	_, err := as.GetCPUIntervals(ctx, &models.CPUIntervalsRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected a request without a collection name to yield InvalidArgument, got %v", err)
	}

	_, err = as.GetCPUIntervals(ctx, &models.CPUIntervalsRequest{CollectionName: "no_such_collection"})
	if status.Code(err) != codes.NotFound {
		t.Errorf("expected a request for a missing collection to yield NotFound, got %v", err)
	}
}
