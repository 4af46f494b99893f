package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/pkg/model"
)

const scrapeTimeout = 5 * time.Second

// sentinelThreshold is the threshold above which exporter metric values are
// treated as "blank" sentinel values (~1.8e19) and rejected.
const sentinelThreshold = 1e15

// DCGM field names exposed by dcgm-exporter, the de-facto accelerator
// telemetry endpoint on NVIDIA edge hardware.
const (
	metricDevGPUUtil = "DCGM_FI_DEV_GPU_UTIL"
	metricDevFBUsed  = "DCGM_FI_DEV_FB_USED"
	metricDevFBFree  = "DCGM_FI_DEV_FB_FREE"
	metricDevFBTotal = "DCGM_FI_DEV_FB_TOTAL"
	metricDevGPUTemp = "DCGM_FI_DEV_GPU_TEMP"
)

// mibToBytes converts mebibytes to bytes.
const mibToBytes = 1048576

// ExporterScraper polls a node-local DCGM-style exporter over HTTP and
// reduces per-device samples into one AcceleratorMetrics snapshot:
// mean utilization, summed memory, hottest temperature.
type ExporterScraper struct {
	endpoint string
	client   *http.Client
}

// NewExporterScraper creates a scraper for the exporter base URL
// (e.g. "http://127.0.0.1:9400"); "/metrics" is appended.
func NewExporterScraper(endpoint string, client *http.Client) *ExporterScraper {
	if client == nil {
		client = &http.Client{Timeout: scrapeTimeout}
	}
	return &ExporterScraper{endpoint: endpoint, client: client}
}

// AcceleratorMetrics implements AcceleratorProvider.
func (s *ExporterScraper) AcceleratorMetrics(ctx context.Context) (*model.AcceleratorMetrics, error) {
	data, err := s.scrape(ctx)
	if err != nil {
		return nil, err
	}
	return reduceAcceleratorSamples(parseExposition(data)), nil
}

func (s *ExporterScraper) scrape(ctx context.Context) ([]byte, error) {
	url := strings.TrimRight(s.endpoint, "/") + "/metrics"

	ctx, cancel := context.WithTimeout(ctx, scrapeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating request for %s: %w", url, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telemetry: scraping %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telemetry: unexpected status %d from %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

// exporterSample is a single parsed exposition-format sample. Only the gpu
// label matters here; samples are grouped per device before reduction.
type exporterSample struct {
	name  string
	gpu   string
	value float64
}

// parseExposition parses Prometheus exposition text line-by-line, keeping
// only the DCGM fields this package consumes.
func parseExposition(data []byte) []exporterSample {
	var samples []exporterSample
	scanner := bufio.NewScanner(bytes.NewReader(data))

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		s, ok := parseSampleLine(line)
		if !ok {
			continue
		}
		switch s.name {
		case metricDevGPUUtil, metricDevFBUsed, metricDevFBFree, metricDevFBTotal, metricDevGPUTemp:
			samples = append(samples, s)
		}
	}
	return samples
}

// parseSampleLine parses a single exposition line:
//
//	metric_name{label1="val1",...} value [timestamp]
func parseSampleLine(line string) (exporterSample, bool) {
	var s exporterSample

	braceStart := strings.IndexByte(line, '{')
	if braceStart < 0 {
		parts := strings.Fields(line)
		if len(parts) < 2 {
			return s, false
		}
		s.name = parts[0]
		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return s, false
		}
		s.value = v
		return s, true
	}

	s.name = line[:braceStart]

	braceEnd := strings.LastIndexByte(line, '}')
	if braceEnd <= braceStart {
		return s, false
	}
	s.gpu = gpuLabel(line[braceStart+1 : braceEnd])

	valueStr := strings.TrimSpace(line[braceEnd+1:])
	parts := strings.Fields(valueStr)
	if len(parts) == 0 {
		return s, false
	}
	v, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return s, false
	}
	s.value = v
	return s, true
}

// gpuLabel extracts the gpu="N" label value, if present.
func gpuLabel(labels string) string {
	for _, part := range strings.Split(labels, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.TrimSpace(kv[0]) == "gpu" {
			return strings.Trim(kv[1], `"`)
		}
	}
	return ""
}

func isSentinel(v float64) bool {
	return v > sentinelThreshold
}

// reduceAcceleratorSamples folds per-device samples into a single snapshot.
// Returns nil when no devices were seen.
func reduceAcceleratorSamples(samples []exporterSample) *model.AcceleratorMetrics {
	type device struct {
		util, temp        *float64
		used, free, total *int64
	}
	devices := make(map[string]*device)

	get := func(gpu string) *device {
		d, ok := devices[gpu]
		if !ok {
			d = &device{}
			devices[gpu] = d
		}
		return d
	}

	for _, s := range samples {
		if isSentinel(s.value) {
			continue
		}
		d := get(s.gpu)
		switch s.name {
		case metricDevGPUUtil:
			v := s.value
			d.util = &v
		case metricDevGPUTemp:
			v := s.value
			d.temp = &v
		case metricDevFBUsed:
			v := int64(s.value) * mibToBytes
			d.used = &v
		case metricDevFBFree:
			v := int64(s.value) * mibToBytes
			d.free = &v
		case metricDevFBTotal:
			v := int64(s.value) * mibToBytes
			d.total = &v
		}
	}

	if len(devices) == 0 {
		return nil
	}

	out := &model.AcceleratorMetrics{}
	var utilSum float64
	var utilN int
	var memUsed, memTotal int64
	var maxTemp float64
	var sawMem, sawTemp bool

	for _, d := range devices {
		if d.util != nil {
			utilSum += *d.util
			utilN++
		}
		if d.total == nil && d.used != nil && d.free != nil {
			total := *d.used + *d.free
			d.total = &total
		}
		if d.used != nil && d.total != nil {
			memUsed += *d.used
			memTotal += *d.total
			sawMem = true
		}
		if d.temp != nil {
			if !sawTemp || *d.temp > maxTemp {
				maxTemp = *d.temp
			}
			sawTemp = true
		}
	}

	if utilN > 0 {
		mean := utilSum / float64(utilN)
		out.UtilizationPercent = &mean
	}
	if sawMem {
		out.MemoryUsedBytes = &memUsed
		out.MemoryTotalBytes = &memTotal
	}
	if sawTemp {
		out.TemperatureCelsius = &maxTemp
	}
	return out
}
