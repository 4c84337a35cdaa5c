// Package metrics exposes the memory and scheduling substrate's internal
// state as Prometheus metrics: a Collector gathers its numbers from
// palloc.Allocator.Snapshot(), kmalloc.Allocator.Caches(), and
// task.Scheduler.Tasks() on every scrape rather than tracking its own
// counters, so there is exactly one place (each subsystem itself) that
// owns the truth about its state.
//
// Grounded on the Tingjia-0v0-SchedTest manifest, a scheduler-benchmarking
// repository in the example pack requiring github.com/prometheus/client_golang;
// this is the one dependency in that manifest with an obvious home in this
// tree (scheduler and allocator occupancy are exactly the kind of gauges a
// benchmarking harness would scrape).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"nucleus/kmalloc"
	"nucleus/palloc"
	"nucleus/task"
)

// Collector implements prometheus.Collector over a fixed set of substrate
// components. It holds no state of its own between scrapes.
type Collector struct {
	pages   *palloc.Allocator
	kmalloc *kmalloc.Allocator
	sched   *task.Scheduler

	pagesTotal     *prometheus.Desc
	pagesFree      *prometheus.Desc
	pagesLowmem    *prometheus.Desc
	pagesHighmem   *prometheus.Desc
	slabObjects    *prometheus.Desc
	slabFree       *prometheus.Desc
	slabTotalBytes *prometheus.Desc
	taskState      *prometheus.Desc
	taskTicks      *prometheus.Desc
}

// NewCollector builds a Collector over the given subsystems. Any of pages,
// km, or sched may be nil, in which case the metrics they would have fed
// are simply never collected — useful for wiring in only the subsystems a
// given process actually owns.
func NewCollector(pages *palloc.Allocator, km *kmalloc.Allocator, sched *task.Scheduler) *Collector {
	return &Collector{
		pages:   pages,
		kmalloc: km,
		sched:   sched,

		pagesTotal: prometheus.NewDesc(
			"nucleus_palloc_pages_total", "Total page-frame records tracked by the buddy allocator.", nil, nil),
		pagesFree: prometheus.NewDesc(
			"nucleus_palloc_pages_free", "Free pages at a given buddy order.", []string{"order"}, nil),
		pagesLowmem: prometheus.NewDesc(
			"nucleus_palloc_pages_lowmem", "Pages in the lowmem zone.", nil, nil),
		pagesHighmem: prometheus.NewDesc(
			"nucleus_palloc_pages_highmem", "Pages in the highmem zone.", nil, nil),
		slabObjects: prometheus.NewDesc(
			"nucleus_slab_objects_total", "Total objects a kmalloc size-class cache can hold.", []string{"cache"}, nil),
		slabFree: prometheus.NewDesc(
			"nucleus_slab_objects_free", "Free objects in a kmalloc size-class cache.", []string{"cache"}, nil),
		slabTotalBytes: prometheus.NewDesc(
			"nucleus_slab_bytes_total", "Total backing bytes allocated to a kmalloc size-class cache.", []string{"cache"}, nil),
		taskState: prometheus.NewDesc(
			"nucleus_task_state", "1 if the task named by the id/name labels is currently in the labelled state.",
			[]string{"id", "name", "state"}, nil),
		taskTicks: prometheus.NewDesc(
			"nucleus_task_ticks_total", "Scheduler ticks attributed to a task.", []string{"id", "name"}, nil),
	}
}

// Describe sends every metric Collect might emit, satisfying
// prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.pagesTotal, c.pagesFree, c.pagesLowmem, c.pagesHighmem,
		c.slabObjects, c.slabFree, c.slabTotalBytes,
		c.taskState, c.taskTicks,
	} {
		ch <- d
	}
}

// Collect gathers a fresh snapshot of every wired subsystem and emits it.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.pages != nil {
		c.collectPages(ch)
	}
	if c.kmalloc != nil {
		c.collectSlabs(ch)
	}
	if c.sched != nil {
		c.collectTasks(ch)
	}
}

func (c *Collector) collectPages(ch chan<- prometheus.Metric) {
	snap := c.pages.Snapshot()
	ch <- prometheus.MustNewConstMetric(c.pagesTotal, prometheus.GaugeValue, float64(snap.PageCount))
	ch <- prometheus.MustNewConstMetric(c.pagesLowmem, prometheus.GaugeValue, float64(snap.LowmemPages))
	ch <- prometheus.MustNewConstMetric(c.pagesHighmem, prometheus.GaugeValue, float64(snap.HighmemPages))
	for order, free := range snap.FreeByOrder {
		ch <- prometheus.MustNewConstMetric(c.pagesFree, prometheus.GaugeValue, float64(free), orderLabel(order))
	}
}

func (c *Collector) collectSlabs(ch chan<- prometheus.Metric) {
	for _, cache := range c.kmalloc.Caches() {
		objects, free := cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.slabObjects, prometheus.GaugeValue, float64(objects), cache.Name)
		ch <- prometheus.MustNewConstMetric(c.slabFree, prometheus.GaugeValue, float64(free), cache.Name)
		ch <- prometheus.MustNewConstMetric(c.slabTotalBytes, prometheus.GaugeValue, float64(cache.TotalSize), cache.Name)
	}
}

func (c *Collector) collectTasks(ch chan<- prometheus.Metric) {
	for _, t := range c.sched.Tasks() {
		id := taskIDLabel(t.ID)
		ch <- prometheus.MustNewConstMetric(c.taskState, prometheus.GaugeValue, 1, id, t.Name, t.State.String())
		ch <- prometheus.MustNewConstMetric(c.taskTicks, prometheus.CounterValue, float64(t.Ticks), id, t.Name)
	}
}

func orderLabel(order int) string  { return strconv.Itoa(order) }
func taskIDLabel(id uint32) string { return strconv.FormatUint(uint64(id), 10) }

var _ prometheus.Collector = (*Collector)(nil)
