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
	"archive/tar"
	"bufio"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/server/models"
	"github.com/schedlens/schedlens/tracedata/eventset"
	"github.com/schedlens/schedlens/traceparser/traceparser"
)

var (
	timeNow = time.Now // stubbed for testing
	cpuRe   = regexp.MustCompile(`cpu(\d+)$`)
	topoRe  = regexp.MustCompile(`node(?P<NUMA>\d+)/cpu(?P<CPU>\d+)/topology/\w+$`)
)

// diesPerSocket is fixed at 1: sysfs does not distinguish between sockets and
// dies, so machines with more than one die per socket will have an inaccurate
// die and socket count without adjusting this constant.
const diesPerSocket = 1

const (
	headerSuffix             = "/header_page"
	formatSuffix             = "/format"
	metadataSuffix           = "metadata"
	coreIDSuffix             = "/core_id"
	physicalPackageIDSuffix  = "/physical_package_id"
	threadSiblingsListSuffix = "/thread_siblings_list"
)

// UploadFile creates a new collection from the uploaded archive and saves it
// to disk under a freshly generated unique name, which is returned.
func (fs *FsStorage) UploadFile(ctx context.Context, req *models.CreateCollectionRequest, file io.Reader) (string, error) {
	eventSet, topology, err := fs.readTar(file)
	if err != nil {
		return "", err
	}

	metadata := makeMetadata(req)
	eventNames, err := fs.extractEventNames(eventSet)
	if err != nil {
		return "", err
	}
	metadata.FtraceEvents = eventNames
	metadata.DefaultEventLoader = eventSet.DefaultLoadersType

	if err := fs.saveCollection(ctx, metadata, eventSet, topology); err != nil {
		return "", err
	}

	return metadata.CollectionUniqueName, nil
}

// generateUniqueName returns a new unique name suitable for collections.
// It is not required that all unique names be generated via this method:
// unique names may be any string value, but must be unique.
func generateUniqueName(creator string, timeStamp int64) string {
	uid := uuid.New()
	// The format of generated unique names is
	// <UUID>_<hex-creation-timestamp>_<creator-tag>.
	return fmt.Sprintf("%s_%x_%s", uid, timeStamp, creator)
}

func makeMetadata(req *models.CreateCollectionRequest) *models.Metadata {
	creationTime := req.CreationTime
	if creationTime == 0 {
		creationTime = timeNow().UnixNano()
	}
	return &models.Metadata{
		CollectionUniqueName: generateUniqueName(req.Creator, creationTime),
		Creator:              req.Creator,
		Owners:               req.Owners,
		Tags:                 req.Tags,
		Description:          req.Description,
		CreationTime:         creationTime,
	}
}

func (fs *FsStorage) saveCollection(ctx context.Context, metadata *models.Metadata, eventSet *eventset.EventSet, topology *models.SystemTopology) error {
	sort.SliceStable(eventSet.Event, func(i, j int) bool {
		return eventSet.Event[i].TimestampNs < eventSet.Event[j].TimestampNs
	})

	stored := &storedCollection{
		Metadata: *metadata,
		Topology: *topology,
		EventSet: eventSet,
	}
	if err := fs.writeCollectionToDisk(metadata.CollectionUniqueName, stored); err != nil {
		return err
	}

	// Build the collection now so the upload fails fast on unusable traces and
	// the built collection is already cached for the first query.
	_, err := fs.GetCollection(ctx, metadata.CollectionUniqueName)
	return err
}

// parseTraceMetadata interprets an optional top-level metadata file in the
// archive.  The only recognized key is trace_type; an absent file implies an
// ftrace trace.
func parseTraceMetadata(content string) error {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == "trace_type" {
			if traceType := strings.TrimSpace(parts[1]); traceType != "ftrace" {
				return status.Errorf(codes.InvalidArgument, "unsupported trace type %q", traceType)
			}
		}
	}
	return nil
}

/*
readTar reads a tar.gz archive with the following directory structure:

metadata (optional; declares the trace type, absent implies ftrace)
formats
  - header_page
  - event category (e.g. sched)
    - event name
      - format
    - second event name
      - format
topology
  - node0
    - cpu0
      - topology
        - core_id
        - physical_package_id
        - thread_siblings_list
        ...
    ...
traces
  - cpu0
  - cpu1
    ...
  - cpuN
*/
func (fs *FsStorage) readTar(fileReader io.Reader) (*eventset.EventSet, *models.SystemTopology, error) {
	gzipReader, err := gzip.NewReader(fileReader)
	if err != nil {
		return nil, nil, err
	}
	// Copy the unzipped contents to a temp file.  Absolute seeking does not
	// work on the gzip reader, and the trace parser needs it.
	tmpFile, err := os.CreateTemp("", "collection_tar")
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.Errorf("failed to remove temp file: %s", err)
		}
	}()
	if _, err := io.Copy(tmpFile, gzipReader); err != nil {
		return nil, nil, err
	}
	// Close and reopen the temp file so that the reader points to the
	// beginning again.
	tmpFileName := tmpFile.Name()
	if err := tmpFile.Close(); err != nil {
		return nil, nil, err
	}
	tmpFile, err = os.Open(tmpFileName)
	if err != nil {
		return nil, nil, err
	}

	tarReader := tar.NewReader(tmpFile)

	haveReadTrace := false
	var headerContent string
	var formatFiles = []string{}
	tb := newTopologyBuilder()

	var traceParser *traceparser.TraceParser
	var eventSetBuilder *traceparser.EventSetBuilder
	addTraceEvent := func(traceEvent *traceparser.TraceEvent) (bool, error) {
		if err := eventSetBuilder.AddTraceEvent(traceEvent); err != nil {
			return false, fmt.Errorf("error in AddTraceEvent: %s", err)
		}
		return true, nil
	}

	for {
		header, err := tarReader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			name := header.Name
			switch {
			case strings.HasSuffix(name, headerSuffix) || strings.HasSuffix(name, formatSuffix):
				if haveReadTrace {
					return nil, nil, status.Error(codes.InvalidArgument, "tried to read an additional format file after reading a trace file")
				}
				format, err := readString(tarReader)
				if err != nil {
					return nil, nil, err
				}
				if strings.HasSuffix(name, formatSuffix) {
					formatFiles = append(formatFiles, format)
				} else {
					if headerContent != "" {
						return nil, nil, status.Error(codes.InvalidArgument, "multiple header_page formats found")
					}
					headerContent = format
				}
			case strings.TrimPrefix(name, "./") == metadataSuffix:
				content, err := readString(tarReader)
				if err != nil {
					return nil, nil, err
				}
				if err := parseTraceMetadata(content); err != nil {
					return nil, nil, err
				}
			case cpuRe.MatchString(name):
				matches := cpuRe.FindStringSubmatch(name)
				cpu, err := strconv.ParseInt(matches[1], 10, 64)
				if err != nil {
					return nil, nil, err
				}
				haveReadTrace = true
				if traceParser == nil {
					if headerContent == "" {
						return nil, nil, status.Error(codes.InvalidArgument, "header format not found")
					}
					if len(formatFiles) == 0 {
						return nil, nil, status.Error(codes.InvalidArgument, "no format files found; must have at least one format file")
					}
					tp, err := traceparser.New(headerContent, formatFiles)
					if err != nil {
						return nil, nil, fmt.Errorf("failed to parse formats: %s", err)
					}
					tp.SetFailOnUnknownEventFormat(fs.failOnUnknownEventFormat)
					traceParser = &tp
				}
				if eventSetBuilder == nil {
					eventSetBuilder = traceparser.NewEventSetBuilder(traceParser)
				}
				bufferedTarReader := bufio.NewReader(tarReader)
				if err := traceParser.ParseTrace(bufferedTarReader, cpu, addTraceEvent); err != nil {
					return nil, nil, err
				}
			case topoRe.MatchString(name):
				cpuID, numaID, err := extractCPUAndNUMAFromPath(name)
				if err != nil {
					return nil, nil, err
				}
				if err := tb.RecordCPUTopology(tarReader, name, cpuID, numaID); err != nil {
					return nil, nil, err
				}
			default:
				log.Infof("unknown file %s in archive, ignoring", name)
			}
		}
	}
	if eventSetBuilder == nil {
		return nil, nil, status.Error(codes.InvalidArgument, "no trace files found in archive")
	}
	// Overflows are only known after all per-CPU buffers have been parsed.
	eventSetBuilder.SetOverflowedCPUs(traceParser.OverflowedCPUs())
	eventSet, err := eventSetBuilder.Finalize()
	if err != nil {
		return nil, nil, err
	}
	return eventSet, tb.FullTopology(), nil
}

func readString(r io.Reader) (string, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func readInt32(r io.Reader) (int32, error) {
	str, err := readString(r)
	if err != nil {
		return 0, err
	}
	num, err := strconv.ParseInt(strings.TrimSpace(str), 10, 32)
	if err != nil {
		return 0, err
	}
	return int32(num), nil
}

func extractCPUAndNUMAFromPath(path string) (int64, int64, error) {
	match := topoRe.FindStringSubmatch(path)
	matches := map[string]string{}
	for i, name := range match {
		matches[topoRe.SubexpNames()[i]] = name
	}

	cpuStr, ok := matches["CPU"]
	if !ok {
		return 0, 0, status.Error(codes.InvalidArgument, "CPU not found in path")
	}
	numaStr, ok := matches["NUMA"]
	if !ok {
		return 0, 0, status.Error(codes.InvalidArgument, "NUMA not found in path")
	}

	cpu, err := strconv.ParseInt(cpuStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to convert CPU to int: %s", err)
	}
	numa, err := strconv.ParseInt(numaStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("unable to convert NUMA to int: %s", err)
	}
	return cpu, numa, nil
}

type topologyBuilder struct {
	partialTopology map[int64]*models.LogicalCore
}

func newTopologyBuilder() *topologyBuilder {
	return &topologyBuilder{
		partialTopology: map[int64]*models.LogicalCore{},
	}
}

// RecordCPUTopology saves a single CPU's topology file to the topology
// builder.
func (tb *topologyBuilder) RecordCPUTopology(r io.Reader, name string, cpuID, numaID int64) error {
	lc, ok := tb.partialTopology[cpuID]
	if !ok {
		lc = &models.LogicalCore{
			CPUID:      uint64(cpuID),
			CoreID:     models.UnknownLogicalID,
			ThreadID:   models.UnknownLogicalID,
			NumaNodeID: int32(numaID),
			SocketID:   models.UnknownLogicalID,
		}
	}

	switch {
	case strings.HasSuffix(name, coreIDSuffix):
		coreID, err := readInt32(r)
		if err != nil {
			return err
		}
		lc.CoreID = coreID
	case strings.HasSuffix(name, physicalPackageIDSuffix):
		ppID, err := readInt32(r)
		if err != nil {
			return err
		}
		lc.SocketID = ppID
	case strings.HasSuffix(name, threadSiblingsListSuffix):
		// ThreadID is the zero-indexed ID of the hyperthread within the
		// current core.  The thread siblings list is a list of CPUs that are
		// hyperthreads of one another: if CPUs 0 and 3 are hyperthreads of
		// each other, the thread siblings list is "0,3", CPU 0's ThreadID is
		// 0, and CPU 3's ThreadID is 1.
		strList, err := readString(r)
		if err != nil {
			return err
		}
		threadSiblings, err := convertIntRangeToList(strList)
		if err != nil {
			return err
		}
		for idx, sibling := range threadSiblings {
			if sibling == cpuID {
				lc.ThreadID = int32(idx)
				break
			}
		}
	}

	tb.partialTopology[cpuID] = lc
	return nil
}

// FullTopology returns the topology of all recorded CPUs.
func (tb *topologyBuilder) FullTopology() *models.SystemTopology {
	ret := &models.SystemTopology{
		LogicalCores: []models.LogicalCore{},
	}

	for _, lc := range tb.partialTopology {
		if lc.SocketID == models.UnknownLogicalID && lc.NumaNodeID > models.UnknownLogicalID {
			// If no physical package ID was reported, fall back to the NUMA
			// node.  Note that on some machines, the NUMA node may not be the
			// same as the socket.
			lc.SocketID = lc.NumaNodeID
		}
		if lc.SocketID > models.UnknownLogicalID {
			lc.DieID = lc.SocketID % diesPerSocket
			lc.SocketID /= diesPerSocket
		}
		ret.LogicalCores = append(ret.LogicalCores, *lc)
	}
	sort.Slice(ret.LogicalCores, func(i, j int) bool {
		return ret.LogicalCores[i].CPUID < ret.LogicalCores[j].CPUID
	})

	return ret
}

// convertIntRangeToList converts comma-separated integer range strings to a
// sorted list.  For example the string "0-4,7,9,11-12" is returned as
// [0, 1, 2, 3, 4, 7, 9, 11, 12].
func convertIntRangeToList(rangeStr string) ([]int64, error) {
	intList := []int64{}
	ranges := strings.Split(strings.TrimSpace(rangeStr), ",")
	for _, r := range ranges {
		subRange := strings.Split(r, "-")
		intRange := []int64{}
		for _, sr := range subRange {
			i, err := strconv.ParseInt(sr, 10, 64)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "%s", err)
			}
			intRange = append(intRange, i)
		}
		switch len(intRange) {
		case 1:
			intList = append(intList, intRange[0])
		case 2:
			start, end := intRange[0], intRange[1]
			if end <= start {
				return nil, status.Errorf(codes.InvalidArgument, "malformed range string; end of range must be after start, got %s", r)
			}
			for i := start; i <= end; i++ {
				intList = append(intList, i)
			}
		default:
			return nil, status.Errorf(codes.InvalidArgument, "malformed range string; ranges must be of the form int-int or int, got %s", r)
		}
	}
	sort.Slice(intList, func(i, j int) bool {
		return intList[i] < intList[j]
	})
	return intList, nil
}
