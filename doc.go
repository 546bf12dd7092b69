// Package transfer moves host bytes into device-local GPU memory.
//
// # Overview
//
// Uploads go through host-visible staging buffers owned by pooled transfer
// operations. A BufferTransferOperation copies its staging buffer into a
// device buffer; an ImageTransferOperation copies one base level per layer
// into an image, builds the mip chain and leaves the image ready for
// shader reads. Every operation is guarded by a fence: it becomes available
// again once its last submission completes, without blocking the caller.
//
// The package never talks to a graphics API. It records and submits work
// through the driver package, implemented by backend/cpu (an in-memory
// reference device) and backend/native (the gogpu/wgpu HAL).
//
// # Quick Start
//
//	dev, _, err := backend.OpenDefault()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	m, err := transfer.NewManager(dev, transfer.WithAllocator(transfer.AllocatorPooled))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//
//	img, _ := transfer.NewImage(dev, transfer.ImageDesc{
//		Width: 256, Height: 256, Levels: 9, Format: gputypes.TextureFormatRGBA8Unorm,
//	})
//	if err := m.UploadImage(img, [][]byte{pixels}); err != nil {
//		log.Fatal(err)
//	}
//	if err := m.Drain(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Operation Lifecycle
//
// An operation slot is Idle, Requested, InFlight or Failed. Acquiring moves
// an available slot to Requested; submitting moves it to InFlight; the
// fence signaling moves it back to Idle. A failure after the request
// leaves it Failed, which counts as available so the slot can be retried.
// When the device already took part of the work, as after a failed image
// Finalize, the slot stays InFlight until that work completes instead.
// Staging capacity can only change through the ResizeToken returned by
// Idle, so a buffer is never resized under a pending copy.
//
// # Image Uploads
//
// Image uploads run in two stages. Upload records the layer copies on the
// transfer queue and signals the operation's semaphore. Finalize records
// the mip chain on the graphics queue, waiting on that semaphore. On
// devices without blit support the chain is downsampled on the host into
// the staging buffer and copied level by level.
//
// # Logging
//
// The package logs through log/slog and is silent by default; see
// SetLogger.
package transfer
