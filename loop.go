package gputhread

import (
	"context"
	"encoding/binary"

	"github.com/gogpu/gputhread/host"
	"github.com/gogpu/gputhread/ring"
)

// runLoop is the consumer goroutine's entire body. It must only ever run on
// the goroutine Start spawned; every other GpuThread method is the
// producer's side of the protocol.
func (g *GpuThread) runLoop(started chan struct{}) {
	defer g.wg.Done()

	requested := g.device.RequestedRenderer()
	api := host.RenderAPINone
	if requested != nil {
		api = requested.RenderAPI()
	}

	if err := g.device.Create(api); err != nil {
		g.device.Callbacks.ReleaseRenderWindow()
		g.startupErr = err
		close(started)
		return
	}

	g.backend.CreateBackend(true)
	g.lastSettingsSnapshot = g.device.Settings.Snapshot()
	Logger().Info("gputhread: consumer loop running", "api", api)
	close(started)

	for {
		if g.ring.Empty() {
			if g.shutdown.Load() {
				break
			}

			workAvailable, err := g.wakeProt.Sleep(context.Background(), !g.runIdle.Load())
			if err != nil {
				break
			}
			if workAvailable {
				continue
			}

			// Idle-present mode: the ring is empty and we chose not to
			// block, so present whatever the backend already accumulated
			// and loop instead of spinning unthrottled.
			g.presentOnThread(false, 0)
			if g.device.Device != nil && !g.device.Device.IsVSyncBlocking() {
				g.device.Device.ThrottlePresentation()
			}
			continue
		}

		g.ring.Drain(g.dispatch)
	}

	g.backend.DestroyBackend()
	g.device.Destroy()
	g.device.Callbacks.ReleaseRenderWindow()
	Logger().Info("gputhread: consumer loop exited")
}

func (g *GpuThread) dispatch(tag ring.CommandTag, payload []byte) {
	switch tag {
	case ring.TagAsyncCall:
		id := binary.LittleEndian.Uint64(payload)
		if fn := g.asyncCalls.take(id); fn != nil {
			fn()
		}
	case ring.TagUpdateVSync:
		if g.device.Device != nil {
			g.device.UpdateVSync()
		}
	case ring.TagChangeBackend:
		g.backend.ChangeBackend()
	default:
		if g.backend.Active != nil {
			g.backend.Active.HandleCommand(payload)
		}
	}
}
