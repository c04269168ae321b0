package gpu

import (
	"io"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	units "github.com/docker/go-units"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vulkan-go/vulkan"
)

func (c *DeviceContext) queues() []QueueRecord {
	return []QueueRecord{c.graphics, c.present, c.compute, c.transfer}
}

// LogDiagnostics logs the selected device, its queue layout and its heaps.
func (c *DeviceContext) LogDiagnostics() {
	pd := c.physical
	c.logger.Info("device",
		slog.String("name", pd.Name),
		slog.String("type", deviceTypeString(pd.Type)),
		slog.String("api", versionString(pd.APIVersion)),
		slog.Bool("computeDedicated", c.IsComputeDedicated()),
		slog.Bool("transferDedicated", c.IsTransferDedicated()))
	for _, q := range c.queues() {
		c.logger.Info("queue",
			slog.String("role", q.Role.String()),
			slog.Int("family", int(q.Family)),
			slog.Bool("dedicated", q.Dedicated))
	}
	for i, h := range pd.Memory.Heaps {
		c.logger.Info("memory heap",
			slog.Int("index", i),
			slog.String("size", units.BytesSize(float64(h.Size))),
			slog.Bool("deviceLocal", h.Flags&vulkan.MemoryHeapFlags(vulkan.MemoryHeapDeviceLocalBit) != 0))
	}
}

// WriteDiagnostics writes the same information as LogDiagnostics as one
// JSON object, plus the current swapchain and allocator totals.
func (c *DeviceContext) WriteDiagnostics(w io.Writer) error {
	pd := c.physical
	jw := jwriter.NewWriter()
	obj := jw.Object()
	obj.Name("name").String(pd.Name)
	obj.Name("type").String(deviceTypeString(pd.Type))
	obj.Name("apiVersion").String(versionString(pd.APIVersion))
	obj.Name("computeDedicated").Bool(c.IsComputeDedicated())
	obj.Name("transferDedicated").Bool(c.IsTransferDedicated())

	queues := obj.Name("queues").Array()
	for _, q := range c.queues() {
		qo := queues.Object()
		qo.Name("role").String(q.Role.String())
		qo.Name("family").Int(int(q.Family))
		qo.Name("dedicated").Bool(q.Dedicated)
		qo.End()
	}
	queues.End()

	heaps := obj.Name("heaps").Array()
	for i, h := range pd.Memory.Heaps {
		ho := heaps.Object()
		ho.Name("index").Int(i)
		ho.Name("size").String(units.BytesSize(float64(h.Size)))
		ho.Name("deviceLocal").Bool(h.Flags&vulkan.MemoryHeapFlags(vulkan.MemoryHeapDeviceLocalBit) != 0)
		ho.End()
	}
	heaps.End()

	sc := obj.Name("swapchain").Object()
	sc.Name("images").Int(len(c.chain.Images))
	sc.Name("extent").String(strconv.Itoa(int(c.chain.Extent.Width)) + "x" + strconv.Itoa(int(c.chain.Extent.Height)))
	sc.End()

	if c.allocator != nil {
		obj.Name("liveAllocations").Int(c.allocator.LiveAllocations())
	}
	obj.End()

	if err := jw.Error(); err != nil {
		return errors.Wrap(err, "encode diagnostics")
	}
	_, err := w.Write(jw.Bytes())
	return err
}
