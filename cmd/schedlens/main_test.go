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
package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/mux"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/analysis/sched"
	"github.com/schedlens/schedlens/analysis/schedtestcommon"
	"github.com/schedlens/schedlens/server/models"
	"github.com/schedlens/schedlens/server/storageservice"
)

const testCollectionName = "test_collection"

var testMetadata = models.Metadata{
	CollectionUniqueName: testCollectionName,
	Creator:              defaultHTTPUser,
	Description:          "test",
	CreationTime:         1,
}

var testTopology = models.SystemTopology{
	LogicalCores: []models.LogicalCore{{
		CPUID:  1,
		CoreID: 1,
	}, {
		CPUID:  2,
		CoreID: 2,
	}},
}

// fakeStorageService serves a single prebuilt collection for handler tests.
type fakeStorageService struct {
	collection *storageservice.CachedCollection
}

func (fss *fakeStorageService) GetCollection(_ context.Context, name string) (*storageservice.CachedCollection, error) {
	if name != testCollectionName {
		return nil, status.Errorf(codes.NotFound, "no collection %q", name)
	}
	return fss.collection, nil
}

func (fss *fakeStorageService) UploadFile(context.Context, *models.CreateCollectionRequest, io.Reader) (string, error) {
	return testCollectionName, nil
}

func (fss *fakeStorageService) DeleteCollection(_ context.Context, _ string, name string) error {
	if name != testCollectionName {
		return status.Errorf(codes.NotFound, "no collection %q", name)
	}
	return nil
}

func (fss *fakeStorageService) GetCollectionMetadata(_ context.Context, name string) (models.Metadata, error) {
	if name != testCollectionName {
		return models.Metadata{}, status.Errorf(codes.NotFound, "no collection %q", name)
	}
	return testMetadata, nil
}

func (fss *fakeStorageService) EditCollection(context.Context, string, *models.EditCollectionRequest) error {
	return nil
}

func (fss *fakeStorageService) ListCollectionMetadata(context.Context, string, string) ([]models.Metadata, error) {
	return []models.Metadata{testMetadata}, nil
}

func (fss *fakeStorageService) GetCollectionParameters(context.Context, string) (models.CollectionParametersResponse, error) {
	return models.CollectionParametersResponse{}, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) GetFtraceEvents(context.Context, *models.FtraceEventsRequest) (models.FtraceEventsResponse, error) {
	return models.FtraceEventsResponse{}, status.Error(codes.Unimplemented, "not implemented")
}

func (fss *fakeStorageService) SetFailOnUnknownEventFormat(bool) {}

// startTestServer stands up the full route table over a fake storage service
// backed by a small test trace, and returns a test server handling it.
func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	collection, err := sched.NewCollection(schedtestcommon.TestTrace1(t), sched.NormalizeTimestamps(true))
	if err != nil {
		t.Fatalf("unexpected error building collection: %s", err)
	}
	fss := &fakeStorageService{
		collection: &storageservice.CachedCollection{
			Collection:     collection,
			SystemTopology: testTopology,
			Payload:        map[string]interface{}{},
		},
	}

	origSetStorageService := setStorageService
	setStorageService = func(ctx context.Context) error {
		storageService = fss
		return nil
	}
	var router *mux.Router
	origStartServer := startServer
	startServer = func(r *mux.Router) {
		router = r
	}
	t.Cleanup(func() {
		setStorageService = origSetStorageService
		startServer = origStartServer
	})

	runServer(context.Background())

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func postJSON(t *testing.T, url string, req, res interface{}) {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("failed to marshal request: %s", err)
	}
	httpRes, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request to %s failed: %s", url, err)
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(httpRes.Body)
		t.Fatalf("request to %s returned status %d: %s", url, httpRes.StatusCode, msg)
	}
	if err := json.NewDecoder(httpRes.Body).Decode(res); err != nil {
		t.Fatalf("failed to decode response from %s: %s", url, err)
	}
}

func TestGetCPUIntervalsRoute(t *testing.T) {
	server := startTestServer(t)

	res := &models.CPUIntervalsResponse{}
	postJSON(t, server.URL+"/get_cpu_intervals", &models.CPUIntervalsRequest{
		CollectionName:   testCollectionName,
		StartTimestampNs: 0,
		EndTimestampNs:   100,
	}, res)

	if res.CollectionName != testCollectionName {
		t.Errorf("wrong collection name in response. got: %q, want: %q", res.CollectionName, testCollectionName)
	}
	if len(res.Intervals) != 2 {
		t.Fatalf("wrong number of per-CPU results. got: %d, want: %d", len(res.Intervals), 2)
	}
}

func TestGetCollectionMetadataRoute(t *testing.T) {
	server := startTestServer(t)

	httpRes, err := http.Get(server.URL + "/get_collection_metadata?request=" + testCollectionName)
	if err != nil {
		t.Fatalf("metadata request failed: %s", err)
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		t.Fatalf("metadata request returned status %d", httpRes.StatusCode)
	}
	got := models.Metadata{}
	if err := json.NewDecoder(httpRes.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode metadata response: %s", err)
	}
	if diff := cmp.Diff(testMetadata, got); diff != "" {
		t.Fatalf("TestGetCollectionMetadataRoute: Diff -want +got:\n%s", diff)
	}
}

func TestGetSystemTopologyRoute(t *testing.T) {
	server := startTestServer(t)

	httpRes, err := http.Get(server.URL + "/get_system_topology?request=" + testCollectionName)
	if err != nil {
		t.Fatalf("topology request failed: %s", err)
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		t.Fatalf("topology request returned status %d", httpRes.StatusCode)
	}
	got := models.SystemTopologyResponse{}
	if err := json.NewDecoder(httpRes.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode topology response: %s", err)
	}
	want := models.SystemTopologyResponse{
		CollectionName: testCollectionName,
		SystemTopology: testTopology,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("TestGetSystemTopologyRoute: Diff -want +got:\n%s", diff)
	}
}

func TestBadContentTypeIsRejected(t *testing.T) {
	server := startTestServer(t)

	httpRes, err := http.Post(server.URL+"/get_cpu_intervals", "text/plain", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("request failed: %s", err)
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusBadRequest {
		t.Errorf("wrong status for bad content type. got: %d, want: %d", httpRes.StatusCode, http.StatusBadRequest)
	}
}

func TestGzipEnabledWriter(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	sendStringHTTPResponse(req, "hello", rec)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("wrong content encoding. got: %q, want: %q", got, "gzip")
	}
	gzipReader, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("response body is not valid gzip: %s", err)
	}
	body, err := io.ReadAll(gzipReader)
	if err != nil {
		t.Fatalf("failed to decompress response body: %s", err)
	}
	if string(body) != "hello" {
		t.Errorf("wrong response body. got: %q, want: %q", body, "hello")
	}

	// Without Accept-Encoding, the response is sent uncompressed.
	req = httptest.NewRequest("GET", "/", nil)
	rec = httptest.NewRecorder()
	sendStringHTTPResponse(req, "hello", rec)
	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Errorf("unexpected content encoding %q on plain response", got)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("wrong response body. got: %q, want: %q", rec.Body.String(), "hello")
	}
}

func TestReadRequestBodyIntoStruct(t *testing.T) {
	req := httptest.NewRequest("POST", "/", strings.NewReader(`{"collectionName":"abc"}`))
	req.Header.Set("Content-Type", "application/json")
	got := &models.CPUIntervalsRequest{}
	if err := readRequestBodyIntoStruct(req, got); err != nil {
		t.Fatalf("unexpected error thrown by readRequestBodyIntoStruct: %s", err)
	}
	if got.CollectionName != "abc" {
		t.Errorf("wrong collection name decoded. got: %q, want: %q", got.CollectionName, "abc")
	}

	req = httptest.NewRequest("POST", "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	if err := readRequestBodyIntoStruct(req, &models.CPUIntervalsRequest{}); err == nil {
		t.Errorf("expected a content type error, got none")
	}
}
