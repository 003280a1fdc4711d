// Package bufcodec declares the single collaborator interface the engine
// uses to deal with Minecraft world data (NBT, chunks, item slots, entity
// metadata, registries, chat-style rendering) without knowing anything
// about its shape. Applications provide concrete BufferCodec
// implementations; the engine only ever calls Encode/Decode.
package bufcodec

import "go.quarry.dev/quarry/pkg/buffer"

// BufferCodec encodes and decodes an opaque application-level value over
// the cursor buffer primitives in pkg/buffer.
type BufferCodec interface {
	Encode(buf *buffer.Buffer) error
	Decode(buf *buffer.Buffer) error
}
