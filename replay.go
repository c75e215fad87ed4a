// replay.go
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"

	"vkcapture/internal/config"
	"vkcapture/internal/layer"
	"vkcapture/internal/logger"
	"vkcapture/internal/vkapi"
)

// passNames are the labels the synthetic frames record, cycled per region.
var passNames = []string{
	"shadow_pass",
	"gbuffer_pass",
	"lighting_pass",
	"postprocess_pass",
	"ui_pass",
}

// replay drives the hook layer with a synthetic frame loop over the software
// driver, standing in for an intercepted rendering application. Each frame
// records labeled regions into one of a small ring of command buffers,
// submits it and presents, exactly the call sequence the hooks see in a real
// interception.
type replay struct {
	hooks *layer.Layer
	cfg   config.ReplayConfig
	log   log.Logger

	driver *vkapi.NullDriver
	device vkapi.Device
	queue  vkapi.Queue
	pool   vkapi.CommandPool
	cbs    []vkapi.CommandBuffer
}

func newReplay(hooks *layer.Layer, cfg config.ReplayConfig) *replay {
	return &replay{
		hooks:  hooks,
		cfg:    cfg,
		log:    logger.NewLoggerWithContext("replay"),
		driver: vkapi.NewNullDriver(),
	}
}

func (r *replay) setup() {
	r.driver.SetResultLatency(time.Duration(r.cfg.GPULatencyMs) * time.Millisecond)

	physical := vkapi.PhysicalDevice(r.driver.NewHandle())
	r.device = vkapi.Device(r.driver.NewHandle())
	r.hooks.PostCreateDevice(physical, r.device, r.driver)

	r.queue = vkapi.Queue(r.driver.NewHandle())
	r.hooks.PostGetDeviceQueue(r.device, 0, 0, r.queue)

	r.pool = vkapi.CommandPool(r.driver.NewHandle())
	r.cbs = make([]vkapi.CommandBuffer, r.cfg.CommandBuffers)
	for i := range r.cbs {
		r.cbs[i] = vkapi.CommandBuffer(r.driver.NewHandle())
	}
	r.hooks.PostAllocateCommandBuffers(r.device, r.pool, r.cbs)

	r.log.Info().
		Int("command_buffers", len(r.cbs)).
		Int("regions_per_frame", r.cfg.RegionsPerFrame).
		Int("gpu_latency_ms", r.cfg.GPULatencyMs).
		Msg("Replay workload set up")
}

// frame records, submits and presents one synthetic frame on the given
// command buffer.
func (r *replay) frame(n int, cb vkapi.CommandBuffer) {
	// Re-recording implies the driver-side reset of the buffer contents.
	r.driver.ResetCommandBuffer(cb)
	r.hooks.PostBeginCommandBuffer(cb)

	frameLabel := fmt.Sprintf("frame_%d", n)
	r.hooks.PostCmdBeginDebugLabel(cb, frameLabel)
	for i := 0; i < r.cfg.RegionsPerFrame; i++ {
		r.hooks.PostCmdBeginDebugLabel(cb, passNames[i%len(passNames)])
		r.hooks.PreCmdEndDebugLabel(cb)
	}
	r.hooks.PreCmdEndDebugLabel(cb)

	r.hooks.PreEndCommandBuffer(cb)

	submits := []vkapi.SubmitInfo{{CommandBuffers: []vkapi.CommandBuffer{cb}}}
	token := r.hooks.PreQueueSubmit(r.queue, submits)
	r.driver.Submit(cb)
	r.hooks.PostQueueSubmit(r.queue, submits, 0, token)

	r.hooks.PostQueuePresent(r.queue)
}

// run replays frames until the configured count is reached or the context is
// canceled, then tears the synthetic device down.
func (r *replay) run(ctx context.Context) {
	r.setup()

	interval := time.Duration(r.cfg.FrameIntervalMs) * time.Millisecond
	ticker := time.NewTicker(max(interval, time.Millisecond))
	defer ticker.Stop()

	n := 0
	for r.cfg.Frames == 0 || n < r.cfg.Frames {
		select {
		case <-ctx.Done():
			r.teardown()
			return
		case <-ticker.C:
		}
		r.frame(n, r.cbs[n%len(r.cbs)])
		n++
	}
	r.log.Info().Int("frames", n).Msg("Replay frame budget reached")
	r.teardown()
}

// teardown waits out the simulated GPU latency, drains the last in-flight
// submissions and destroys the synthetic device.
func (r *replay) teardown() {
	time.Sleep(time.Duration(r.cfg.GPULatencyMs)*time.Millisecond + 10*time.Millisecond)
	r.hooks.Drain(r.device)

	r.hooks.PreFreeCommandBuffers(r.device, r.pool, r.cbs)
	r.hooks.PreDestroyDevice(r.device)
	r.log.Info().Msg("Replay workload torn down")
}
