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
package storageservice

import (
	"compress/gzip"
	"context"
	"encoding/gob"
	"os"
	"path"
	"strings"

	log "github.com/golang/glog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/analysis/sched"
	"github.com/schedlens/schedlens/server/models"
	"github.com/schedlens/schedlens/tracedata/eventset"
	"github.com/schedlens/schedlens/tracedata/trace"
)

// collectionFileSuffix is the extension borne by persisted collections.
const collectionFileSuffix = ".binsched"

// storedCollection is the persisted form of a collection: its metadata, the
// topology of the machine it was gathered on, and the raw event set.  It is
// written to disk as a gzipped gob stream.
type storedCollection struct {
	Metadata models.Metadata
	Topology models.SystemTopology
	EventSet *eventset.EventSet
}

// FsStorage is a storage service that saves collections as gzipped gob blobs
// on local disk.  Implements StorageService.
type FsStorage struct {
	*storageBase
	StoragePath string
}

// CreateFSStorage creates a new file system storage service that stores its
// files at storagePath and has an LRU cache of size cacheSize.
func CreateFSStorage(storagePath string, cacheSize int) (*FsStorage, error) {
	sb, err := newStorageBase(cacheSize)
	if err != nil {
		return nil, err
	}
	return &FsStorage{
		storageBase: sb,
		StoragePath: storagePath,
	}, nil
}

// DeleteCollection deletes the collection with the given name.
func (fs *FsStorage) DeleteCollection(_ context.Context, _ string, collectionUniqueName string) error {
	fs.dropCollectionFromCache(collectionUniqueName)
	if err := os.Remove(fs.getCollectionPath(collectionUniqueName)); err != nil {
		if os.IsNotExist(err) {
			return status.Errorf(codes.NotFound, "no collection %q", collectionUniqueName)
		}
		return err
	}
	return nil
}

func (fs *FsStorage) getCollectionPath(collectionName string) string {
	return path.Join(fs.StoragePath, collectionName+collectionFileSuffix)
}

func (fs *FsStorage) getCollectionNameFromFileName(fileName string) string {
	return strings.TrimSuffix(fileName, collectionFileSuffix)
}

func (fs *FsStorage) getCollectionFromDisk(collectionName string) (*storedCollection, error) {
	filePath := fs.getCollectionPath(collectionName)
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, status.Errorf(codes.NotFound, "no collection %q", collectionName)
		}
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Errorf("failed to close collection file %s: %s", filePath, err)
		}
	}()
	gzipReader, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	stored := &storedCollection{}
	if err := gob.NewDecoder(gzipReader).Decode(stored); err != nil {
		return nil, err
	}
	if err := gzipReader.Close(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (fs *FsStorage) writeCollectionToDisk(collectionName string, stored *storedCollection) error {
	filePath := fs.getCollectionPath(collectionName)
	f, err := os.Create(filePath)
	if err != nil {
		return err
	}
	gzipWriter := gzip.NewWriter(f)
	if err := gob.NewEncoder(gzipWriter).Encode(stored); err != nil {
		f.Close()
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// GetCollection returns an already-saved collection with the given name,
// building it and placing it in the cache if it was not already there.
func (fs *FsStorage) GetCollection(ctx context.Context, collectionName string) (cc *CachedCollection, err error) {
	cachedCollection, ok, err := fs.getCollectionFromCache(collectionName, true /*=addCollection*/)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := cachedCollection.wait(ctx); err != nil {
			return nil, err
		}
		return cachedCollection, cachedCollection.err
	}
	// The entry is new; populate it.  Any error poisons the entry: it is
	// stored before the latch is released, so all subsequent readers observe
	// it without rebuilding.
	defer func() {
		cachedCollection.err = err
		cachedCollection.release()
	}()
	stored, err := fs.getCollectionFromDisk(collectionName)
	if err != nil {
		return nil, err
	}
	collection, err := createCollection(stored.EventSet)
	if err != nil {
		return nil, err
	}
	cachedCollection.Collection = collection
	cachedCollection.SystemTopology = stored.Topology
	cachedCollection.Payload = map[string]interface{}{}
	return cachedCollection, nil
}

// GetCollectionMetadata gets the metadata for the collection with the given
// name.
func (fs *FsStorage) GetCollectionMetadata(ctx context.Context, collectionUniqueName string) (models.Metadata, error) {
	stored, err := fs.getCollectionFromDisk(collectionUniqueName)
	if err != nil {
		return models.Metadata{}, err
	}
	return stored.Metadata, nil
}

// EditCollection edits the metadata for the collection with the given name.
func (fs *FsStorage) EditCollection(ctx context.Context, _ string, req *models.EditCollectionRequest) error {
	if len(req.CollectionName) == 0 {
		return missingFieldError("collection_name")
	}
	stored, err := fs.getCollectionFromDisk(req.CollectionName)
	if err != nil {
		return err
	}
	metadata := &stored.Metadata

	tagSet := make(map[string]struct{})
	for _, tag := range metadata.Tags {
		tagSet[tag] = struct{}{}
	}
	for _, tag := range req.RemoveTags {
		delete(tagSet, tag)
	}
	for _, tag := range req.AddTags {
		tagSet[tag] = struct{}{}
	}
	// Force initialize as an empty, not nil, slice so that an empty tag set
	// serializes to [] rather than null.
	var newTags = []string{}
	for tag := range tagSet {
		newTags = append(newTags, tag)
	}
	metadata.Tags = newTags

	ownerSet := make(map[string]struct{})
	for _, owner := range metadata.Owners {
		ownerSet[owner] = struct{}{}
	}
	for _, owner := range req.AddOwners {
		ownerSet[owner] = struct{}{}
	}
	var newOwners = []string{}
	for owner := range ownerSet {
		newOwners = append(newOwners, owner)
	}
	metadata.Owners = newOwners
	metadata.Description = req.Description

	return fs.writeCollectionToDisk(req.CollectionName, stored)
}

// ListCollectionMetadata gets the metadata for all collections.
func (fs *FsStorage) ListCollectionMetadata(ctx context.Context, _ string, _ string) ([]models.Metadata, error) {
	files, err := os.ReadDir(fs.StoragePath)
	if err != nil {
		return nil, err
	}
	var ret = []models.Metadata{}
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), collectionFileSuffix) {
			continue
		}
		collectionName := fs.getCollectionNameFromFileName(file.Name())
		stored, err := fs.getCollectionFromDisk(collectionName)
		if err != nil {
			return nil, err
		}
		ret = append(ret, stored.Metadata)
	}
	return ret, nil
}

// GetCollectionParameters gets the parameters for the collection with the
// given name.
func (fs *FsStorage) GetCollectionParameters(ctx context.Context, collectionName string) (models.CollectionParametersResponse, error) {
	if len(collectionName) == 0 {
		return models.CollectionParametersResponse{}, missingFieldError("collection_name")
	}
	collection, err := fs.GetCollection(ctx, collectionName)
	if err != nil {
		return models.CollectionParametersResponse{}, err
	}

	startTimestamp, endTimestamp := collection.Collection.Interval()
	ftraceEvents := collection.Collection.TraceCollection.EventNames()

	return models.CollectionParametersResponse{
		CollectionName:   collectionName,
		CPUs:             collection.Collection.ExpandCPUs(nil),
		StartTimestampNs: int64(startTimestamp),
		EndTimestampNs:   int64(endTimestamp),
		FtraceEvents:     ftraceEvents,
	}, nil
}

// GetFtraceEvents returns raw trace events for the specified collection.
func (fs *FsStorage) GetFtraceEvents(ctx context.Context, req *models.FtraceEventsRequest) (models.FtraceEventsResponse, error) {
	if len(req.CollectionName) == 0 {
		return models.FtraceEventsResponse{}, missingFieldError("collection_name")
	}
	collection, err := fs.GetCollection(ctx, req.CollectionName)
	if err != nil {
		return models.FtraceEventsResponse{}, err
	}

	var cpus = []sched.CPUID{}
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}

	events, err := collection.Collection.GetRawEvents(
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestamp), trace.Timestamp(req.EndTimestamp)),
		sched.EventTypes(req.EventTypes...))
	if err != nil {
		return models.FtraceEventsResponse{}, err
	}

	var eventsByCPU = make(map[sched.CPUID][]*trace.Event)
	for _, ev := range events {
		cpuID := sched.CPUID(ev.CPU)
		eventsByCPU[cpuID] = append(eventsByCPU[cpuID], ev)
	}

	return models.FtraceEventsResponse{
		CollectionName: req.CollectionName,
		EventsByCPU:    eventsByCPU,
	}, nil
}

// SetFailOnUnknownEventFormat configures behavior when encountering an
// unknown event format.  If the provided bool is true, parsing fails on
// unknown events; otherwise unknown events are logged and ignored.
func (fs *FsStorage) SetFailOnUnknownEventFormat(option bool) {
	fs.failOnUnknownEventFormat = option
}

// createCollection creates a collection with the default event loaders, and
// will attempt to create a collection with the fault tolerant loaders if the
// default loaders failed.
var createCollection = func(es *eventset.EventSet) (*sched.Collection, error) {
	coll, err := sched.NewCollection(es, sched.NormalizeTimestamps(true))
	if err == nil {
		return coll, nil
	}
	log.Warning("Failed to load collection with default loaders. " +
		"Retrying with fault tolerant loaders.")
	return sched.NewCollection(es,
		sched.NormalizeTimestamps(true),
		sched.UsingEventLoaders(sched.FaultTolerantEventLoaders()))
}
