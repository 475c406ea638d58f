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
// Package apiservice wraps the analysis library behind the request and
// response structs served over HTTP.
package apiservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/schedlens/schedlens/analysis/sched"
	"github.com/schedlens/schedlens/server/models"
	"github.com/schedlens/schedlens/server/storageservice"
	"github.com/schedlens/schedlens/tracedata/trace"
)

// APIService serves analysis queries over collections procured from its
// storage service.
type APIService struct {
	StorageService storageservice.StorageService
}

func (as *APIService) fetchCollection(ctx context.Context, collectionName string) (*storageservice.CachedCollection, error) {
	if len(collectionName) == 0 {
		return nil, status.Errorf(codes.InvalidArgument, "missing required field %q", "collection_name")
	}
	return as.StorageService.GetCollection(ctx, collectionName)
}

// GetCPUIntervals returns CPU intervals for the specified collection.
func (as *APIService) GetCPUIntervals(ctx context.Context, req *models.CPUIntervalsRequest) (*models.CPUIntervalsResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	cpus := c.Collection.ExpandCPUs(req.CPUs)
	res := &models.CPUIntervalsResponse{
		CollectionName: req.CollectionName,
		Intervals:      make([]models.CPUIntervals, len(cpus)),
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, cpu := range cpus {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i, cpu := i, cpu
		filters := []sched.Filter{
			sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)),
			sched.MinIntervalDuration(sched.Duration(req.MinIntervalDurationNs)),
			sched.CPUs(sched.CPUID(cpu)),
		}

		res.Intervals[i].CPU = cpu

		g.Go(func() error {
			cpuIntervals, err := c.Collection.CPUIntervals(false /*=splitOnWaitingPIDChange*/, filters...)
			if err != nil {
				return err
			}
			res.Intervals[i].Running = cpuIntervals
			return nil
		})

		g.Go(func() error {
			waitingIntervals, err := c.Collection.CPUIntervals(true /*=splitOnWaitingPIDChange*/, filters...)
			if err != nil {
				return err
			}
			res.Intervals[i].Waiting = waitingIntervals
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// GetPIDIntervals returns PID intervals for the specified collection and
// PIDs.
func (as *APIService) GetPIDIntervals(ctx context.Context, req *models.PIDIntervalsRequest) (*models.PIDIntervalsResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	res := &models.PIDIntervalsResponse{
		CollectionName: req.CollectionName,
		PIDIntervals:   make([]models.PIDIntervals, len(req.Pids)),
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, pid := range req.Pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		i, pid := i, pid
		g.Go(func() error {
			pidIntervals, err := c.Collection.ThreadIntervals(
				sched.PIDs(sched.PID(pid)),
				sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)),
				sched.MinIntervalDuration(sched.Duration(req.MinIntervalDurationNs)),
				sched.TruncateToTimeRange(false))
			if err != nil {
				return fmt.Errorf("error getting intervals for PID %d: %v", pid, err)
			}
			res.PIDIntervals[i] = models.PIDIntervals{
				PID:       pid,
				Intervals: pidIntervals,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

// GetAntagonists returns a set of antagonist information for a specified
// collection, from a specified set of threads and over a specified interval.
func (as *APIService) GetAntagonists(ctx context.Context, req *models.AntagonistsRequest) (*models.AntagonistsResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	res := &models.AntagonistsResponse{
		CollectionName: req.CollectionName,
	}
	for _, pid := range req.Pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ants, err := c.Collection.Antagonists(
			sched.PIDs(sched.PID(pid)),
			sched.StartTimestamp(trace.Timestamp(req.StartTimestampNs)),
			sched.EndTimestamp(trace.Timestamp(req.EndTimestampNs)))
		if err != nil {
			return nil, fmt.Errorf("error fetching antagonists for PID %d: %s", pid, err)
		}
		res.Antagonists = append(res.Antagonists, &ants)
	}
	return res, nil
}

// GetPerThreadEventSeries returns all events in a specified collection
// occurring on the specified PIDs in a specified interval, in increasing
// temporal order.
func (as *APIService) GetPerThreadEventSeries(ctx context.Context, req *models.PerThreadEventSeriesRequest) (*models.PerThreadEventSeriesResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	g, ctx := errgroup.WithContext(ctx)
	ess := []models.PerThreadEventSeries{}
	m := sync.Mutex{}
	for _, pid := range req.Pids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid := pid
		g.Go(func() error {
			events, err := c.Collection.PerThreadEventSeries(sched.PID(pid), time.Duration(req.StartTimestampNs), time.Duration(req.EndTimestampNs))
			if err != nil {
				return fmt.Errorf("error getting thread events for PID %d: %v", pid, err)
			}
			m.Lock()
			defer m.Unlock()
			ess = append(ess, models.PerThreadEventSeries{
				Pid:    pid,
				Events: events,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &models.PerThreadEventSeriesResponse{
		CollectionName: req.CollectionName,
		EventSeries:    ess,
	}, nil
}

// GetThreadSummaries returns a set of thread summaries for a specified
// collection over a specified interval.
func (as *APIService) GetThreadSummaries(ctx context.Context, req *models.ThreadSummariesRequest) (*models.ThreadSummariesResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	var cpus []sched.CPUID
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}
	threadSummaries, err := c.Collection.ThreadSummaries(
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)))
	if err != nil {
		return nil, err
	}
	return &models.ThreadSummariesResponse{
		CollectionName: req.CollectionName,
		Metrics:        threadSummaries,
	}, nil
}

// GetUtilizationMetrics returns a set of metrics describing the utilization
// or over-utilization of some portion of the system over some span of the
// trace.  These metrics are described in the sched.Utilization struct.
func (as *APIService) GetUtilizationMetrics(ctx context.Context, req *models.UtilizationMetricsRequest) (*models.UtilizationMetricsResponse, error) {
	c, err := as.fetchCollection(ctx, req.CollectionName)
	if err != nil {
		return nil, err
	}
	var cpus []sched.CPUID
	for _, cpu := range req.Cpus {
		cpus = append(cpus, sched.CPUID(cpu))
	}
	um, err := c.Collection.UtilizationMetrics(
		sched.CPUs(cpus...),
		sched.TimeRange(trace.Timestamp(req.StartTimestampNs), trace.Timestamp(req.EndTimestampNs)),
		sched.TruncateToTimeRange(true))
	if err != nil {
		return nil, err
	}
	return &models.UtilizationMetricsResponse{
		Request:            *req,
		UtilizationMetrics: um,
	}, nil
}

// GetSystemTopology returns the system topology of the machine that the
// collection was recorded on.
func (as *APIService) GetSystemTopology(ctx context.Context, collectionName string) (models.SystemTopology, error) {
	c, err := as.fetchCollection(ctx, collectionName)
	if err != nil {
		return models.SystemTopology{}, err
	}
	return c.SystemTopology, nil
}
