package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsIngest  int64
	errorsStream  int64
	warnsIngest   int64
	warnsStream   int64
	feedRecords   int64
	rowsCommitted int64
	archiveWrites int64
	channels      sync.Map // map[string]*channelStat
)

// Ingest-side components feed the book pipeline; stream-side components face
// subscribers. Anything else stays out of the per-side counters.
func isIngestComponent(component string) bool {
	for _, name := range []string{"driver", "feed", "market", "sink", "storage", "archive"} {
		if strings.Contains(component, name) {
			return true
		}
	}
	return false
}

func isStreamComponent(component string) bool {
	for _, name := range []string{"hub", "api", "stream"} {
		if strings.Contains(component, name) {
			return true
		}
	}
	return false
}

func recordWarn(component string) {
	if isIngestComponent(component) {
		atomic.AddInt64(&warnsIngest, 1)
	} else if isStreamComponent(component) {
		atomic.AddInt64(&warnsStream, 1)
	}
}

func recordError(component string) {
	if isIngestComponent(component) {
		atomic.AddInt64(&errorsIngest, 1)
	} else if isStreamComponent(component) {
		atomic.AddInt64(&errorsStream, 1)
	}
}

func IncrementFeedRecord(size int) {
	atomic.AddInt64(&feedRecords, 1)
	recordChannel("feed_records", size)
}

func IncrementRowsCommitted(n int) {
	atomic.AddInt64(&rowsCommitted, int64(n))
	recordChannel("storage_commits", n)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_uploads", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_ingest":  atomic.LoadInt64(&errorsIngest),
		"errors_stream":  atomic.LoadInt64(&errorsStream),
		"warns_ingest":   atomic.LoadInt64(&warnsIngest),
		"warns_stream":   atomic.LoadInt64(&warnsStream),
		"feed_records":   atomic.LoadInt64(&feedRecords),
		"rows_committed": atomic.LoadInt64(&rowsCommitted),
		"archive_writes": atomic.LoadInt64(&archiveWrites),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsIngest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_ingest"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_stream"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FeedRecords"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["feed_records"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RowsCommitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["rows_committed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["archive_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
