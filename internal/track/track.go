// Package track defines the data structures for playable tracks and the
// chunked audio content they are streamed as.
package track

import (
	"fmt"
	"time"
)

// DefaultChunkSize is the byte-range granularity used for fetching and
// caching audio data.
const DefaultChunkSize int64 = 128 * 1024

// Track describes a single playable item as resolved from the music
// service. Immutable once resolved.
type Track struct {
	ID       string `json:"id" yaml:"id"`
	Title    string `json:"title" yaml:"title"`
	Artist   string `json:"artist" yaml:"artist"`
	Album    string `json:"album" yaml:"album"`
	Duration int64  `json:"duration_ms" yaml:"duration_ms"` // milliseconds
	Bitrate  int    `json:"bitrate" yaml:"bitrate"`         // kbit/s
	Format   string `json:"format" yaml:"format"`           // e.g. "mp3"
	Size     int64  `json:"size" yaml:"size"`               // total bytes, 0 if unknown
}

// DurationTime returns the track duration as a time.Duration.
func (t *Track) DurationTime() time.Duration {
	return time.Duration(t.Duration) * time.Millisecond
}

// ByteOffsetForPosition estimates the byte offset of a playback position,
// assuming constant bitrate. Used to anchor a decode session after a seek.
func (t *Track) ByteOffsetForPosition(positionMs int64) int64 {
	if positionMs <= 0 || t.Bitrate <= 0 {
		return 0
	}
	offset := positionMs * int64(t.Bitrate) * 1000 / 8 / 1000
	if t.Size > 0 && offset >= t.Size {
		offset = t.Size - 1
	}
	if offset < 0 {
		offset = 0
	}
	return offset
}

// ByteRange identifies a half-open span of a track's audio data.
type ByteRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the first byte offset past the range.
func (r ByteRange) End() int64 {
	return r.Offset + r.Length
}

// ChunkKey is the identity of one fetch/cache unit: a byte range of one
// track's audio data.
type ChunkKey struct {
	TrackID string
	Range   ByteRange
}

// String renders the key in a stable form usable as a storage key.
func (k ChunkKey) String() string {
	return fmt.Sprintf("%s:%d+%d", k.TrackID, k.Range.Offset, k.Range.Length)
}

// ChunkKeyAt returns the key of the chunk containing the given byte
// offset, aligned to chunkSize boundaries and clipped to the track size
// when known.
func (t *Track) ChunkKeyAt(offset, chunkSize int64) ChunkKey {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	start := (offset / chunkSize) * chunkSize
	length := chunkSize
	if t.Size > 0 && start+length > t.Size {
		length = t.Size - start
	}
	return ChunkKey{TrackID: t.ID, Range: ByteRange{Offset: start, Length: length}}
}

// AudioChunk is the raw audio payload for one ChunkKey.
type AudioChunk struct {
	Key   ChunkKey
	Data  []byte
	Valid bool
}
