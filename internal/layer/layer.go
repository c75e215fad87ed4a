// Package layer holds the interception hooks the capture layer installs
// around the application's API calls. Each hook updates the state tracker and
// then gets out of the way: hooks never fail the intercepted call, never
// panic, and report tracking problems through logging and counters only.
package layer

import (
	"github.com/phuslu/log"

	"vkcapture/internal/logger"
	"vkcapture/internal/tracker"
	"vkcapture/internal/vkapi"
)

// Layer wires the hooks to a state tracker.
type Layer struct {
	tracker *tracker.StateTracker
	log     log.Logger

	drainOnPresent bool
}

// Options control hook behavior.
type Options struct {
	// DrainOnPresent runs a completion drain on every present call, the
	// natural once-per-frame point of a rendering application.
	DrainOnPresent bool
}

// New creates the hook layer around a state tracker.
func New(t *tracker.StateTracker, opts Options) *Layer {
	return &Layer{
		tracker:        t,
		log:            logger.NewLoggerWithContext("layer"),
		drainOnPresent: opts.DrainOnPresent,
	}
}

// report logs a tracking error at a severity matching its classification and
// bumps the violation counter. Hooks swallow errors: the intercepted call
// already happened (or is about to), and the application must not observe the
// capture layer at all.
func (l *Layer) report(op string, err error) {
	if err == nil {
		return
	}
	switch tracker.KindOf(err) {
	case tracker.KindContractViolation:
		l.tracker.Stats().ContractViolations.Add(1)
		l.log.Warn().Err(err).Str("hook", op).Msg("Application violated API contract")
	case tracker.KindNotFound:
		// Untracked handles are routine during startup races and after a
		// tracking reset; not worth warning about.
		l.log.Debug().Err(err).Str("hook", op).Msg("Untracked handle in hook")
	default:
		l.log.Error().Err(err).Str("hook", op).Msg("Capture tracking error")
	}
}

// PostCreateDevice runs after device creation succeeded and provisions the
// per-device capture state.
func (l *Layer) PostCreateDevice(_ vkapi.PhysicalDevice, dev vkapi.Device, disp vkapi.DeviceDispatch) {
	l.report("CreateDevice", l.tracker.OnCreateDevice(dev, disp))
}

// PreDestroyDevice runs before the device is destroyed, while its handles are
// still valid for the teardown work.
func (l *Layer) PreDestroyDevice(dev vkapi.Device) {
	l.report("DestroyDevice", l.tracker.OnDestroyDevice(dev))
}

// PostGetDeviceQueue records which device a queue handle belongs to.
func (l *Layer) PostGetDeviceQueue(dev vkapi.Device, _ uint32, _ uint32, queue vkapi.Queue) {
	l.report("GetDeviceQueue", l.tracker.RegisterQueue(queue, dev))
}

// PostGetDeviceQueue2 is the flagged-query variant; queue identity works the
// same way.
func (l *Layer) PostGetDeviceQueue2(dev vkapi.Device, queue vkapi.Queue) {
	l.report("GetDeviceQueue2", l.tracker.RegisterQueue(queue, dev))
}

// PostAllocateCommandBuffers starts tracking freshly allocated buffers.
func (l *Layer) PostAllocateCommandBuffers(dev vkapi.Device, pool vkapi.CommandPool, cbs []vkapi.CommandBuffer) {
	l.report("AllocateCommandBuffers", l.tracker.CommandBuffers.OnAllocate(dev, pool, cbs))
}

// PreFreeCommandBuffers stops tracking buffers about to be freed.
func (l *Layer) PreFreeCommandBuffers(_ vkapi.Device, _ vkapi.CommandPool, cbs []vkapi.CommandBuffer) {
	l.report("FreeCommandBuffers", l.tracker.CommandBuffers.OnFree(cbs))
}

// PostBeginCommandBuffer transitions the buffer to recording.
func (l *Layer) PostBeginCommandBuffer(cb vkapi.CommandBuffer) {
	l.report("BeginCommandBuffer", l.tracker.CommandBuffers.OnBeginRecording(cb))
}

// PreEndCommandBuffer finalizes recording. Runs before the driver sees the
// end call so that outstanding end-timestamp writes still land inside the
// buffer.
func (l *Layer) PreEndCommandBuffer(cb vkapi.CommandBuffer) {
	l.report("EndCommandBuffer", l.tracker.CommandBuffers.OnEndRecording(cb))
}

// PreResetCommandBuffer returns the buffer's tracking state to initial.
func (l *Layer) PreResetCommandBuffer(cb vkapi.CommandBuffer) {
	l.report("ResetCommandBuffer", l.tracker.CommandBuffers.OnReset(cb))
}

// PostResetCommandPool resets tracking for every buffer of the pool.
func (l *Layer) PostResetCommandPool(dev vkapi.Device, pool vkapi.CommandPool) {
	l.report("ResetCommandPool", l.tracker.CommandBuffers.OnResetPool(dev, pool))
}

// PostCmdBeginDebugLabel opens a timed region named by the label.
func (l *Layer) PostCmdBeginDebugLabel(cb vkapi.CommandBuffer, label string) {
	l.report("CmdBeginDebugUtilsLabel", l.tracker.CommandBuffers.OpenRegion(cb, label))
}

// PreCmdEndDebugLabel closes the innermost open region. Runs before the
// driver's end call so the end timestamp precedes the label pop in the
// command stream.
func (l *Layer) PreCmdEndDebugLabel(cb vkapi.CommandBuffer) {
	l.report("CmdEndDebugUtilsLabel", l.tracker.CommandBuffers.CloseRegion(cb))
}

// PreQueueSubmit snapshots the CPU clock right before the submit is
// forwarded. The returned token must be handed to PostQueueSubmit.
func (l *Layer) PreQueueSubmit(queue vkapi.Queue, _ []vkapi.SubmitInfo) tracker.SubmitToken {
	return l.tracker.PreSubmit(queue)
}

// PostQueueSubmit registers the forwarded submission for completion polling.
func (l *Layer) PostQueueSubmit(queue vkapi.Queue, submits []vkapi.SubmitInfo, fence vkapi.Fence, token tracker.SubmitToken) {
	l.report("QueueSubmit", l.tracker.PostSubmit(queue, submits, fence, token))
}

// PostQueuePresent drains completed submissions of the presenting queue's
// device, once per frame.
func (l *Layer) PostQueuePresent(queue vkapi.Queue) {
	if !l.drainOnPresent {
		return
	}
	dev, err := l.tracker.Queues.DeviceOf(queue)
	if err != nil {
		l.report("QueuePresent", err)
		return
	}
	l.report("QueuePresent", l.tracker.Drain(dev))
}

// Drain forces a completion drain outside the present path, for shutdown and
// for applications that never present.
func (l *Layer) Drain(dev vkapi.Device) {
	l.report("Drain", l.tracker.Drain(dev))
}
