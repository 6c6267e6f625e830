package host

import (
	"errors"
	"time"

	"github.com/jackyluk/genericOCL/internal/compiler"
	"github.com/jackyluk/genericOCL/internal/protocol"
	"github.com/jackyluk/genericOCL/internal/utils"
)

// runNDRange executes one kernel launch:
//
//	SET_GLOBAL_WORK_SIZE -> ACK
//	LOAD_KERNEL_CHUNK... -> ACK each (only when the layout changed)
//	START_KERNEL         -> ACK once the whole range has run
func (q *CommandQueue) runNDRange(nd *ndrange) error {
	gx, gy, gz := nd.global[0], nd.global[1], nd.global[2]

	if err := q.expectAck(protocol.NewGlobalWorkSize(gx, gy, gz)); err != nil {
		return wrapStage(err, "set global work size")
	}

	args, version, isNew := nd.kernel.snapshot()
	key := loadedKernel{kernel: nd.kernel, version: version, gx: gx, gy: gy}
	if isNew || q.loaded != key {
		if err := q.transferKernel(nd.kernel, args, gx, gy); err != nil {
			return err
		}
		nd.kernel.markLoaded(version)
		q.loaded = key
	}

	start := time.Now()
	if err := q.expectAckTimeout(protocol.NewStartKernel(), q.cfg.KernelTimeout); err != nil {
		return wrapStage(err, "start kernel")
	}
	q.logger.Debug("NDRange complete",
		utils.String("kernel", nd.kernel.Name()),
		utils.Uint32("x", gx),
		utils.Uint32("y", gy),
		utils.Uint32("z", gz),
		utils.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (q *CommandQueue) transferKernel(k *Kernel, args []compiler.Arg, gx, gy uint32) error {
	artifact, err := q.cfg.Compiler.Compile(q.ctx, compiler.Request{
		Name:    k.Name(),
		Source:  k.source,
		GlobalX: gx,
		GlobalY: gy,
		Args:    args,
	})
	if err != nil {
		return WrapQueueError(ErrCodeCompileFailed, "compile "+k.Name(), err)
	}

	chunks, err := protocol.SplitKernel(artifact, q.cfg.ChunkSize)
	if err != nil {
		return WrapQueueError(ErrCodeKernelTransferFailed, "split kernel "+k.Name(), err)
	}
	for i, chunk := range chunks {
		if err := q.expectAck(chunk); err != nil {
			// A partial transfer leaves nothing valid on the device.
			q.loaded = loadedKernel{}
			return WrapQueueError(ErrCodeKernelTransferFailed, "transfer kernel "+k.Name(), err).
				WithContext("chunk", i).
				WithContext("chunks", len(chunks))
		}
	}

	q.logger.Info("Kernel transferred",
		utils.String("kernel", k.Name()),
		utils.Int("bytes", len(artifact)),
		utils.Int("chunks", len(chunks)),
	)
	return nil
}

// wrapStage annotates a queue error with the NDRange stage it failed in
func wrapStage(err error, stage string) error {
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.WithContext("stage", stage)
	}
	return err
}
