package graph

import (
	"context"
	"io"
)

// Content is the transcript body in the shape the transport delivered it.
// It is one of TextContent, BytesContent, StreamContent or ChunkedContent.
type Content interface {
	isContent()
}

// TextContent is a body that was read completely and is already UTF-8 text.
type TextContent struct {
	Text string
}

// BytesContent is a body that was read completely but still needs decoding.
type BytesContent struct {
	Data []byte
	// Charset is the declared character set, empty when none was declared.
	Charset string
}

// StreamContent is a body of unknown length that the caller pulls from.
// The caller must close Body.
type StreamContent struct {
	Body    io.ReadCloser
	Charset string
}

// ChunkedContent is a body of unknown length pushed to the caller in chunks.
// The channel is closed after the last chunk or after a chunk carrying Err.
// The caller must cancel Stop when abandoning the stream early.
type ChunkedContent struct {
	Chunks  <-chan Chunk
	Charset string
	Stop    context.CancelFunc
}

// Chunk is one piece of a pushed body.
type Chunk struct {
	Data []byte
	Err  error
}

func (TextContent) isContent()    {}
func (BytesContent) isContent()   {}
func (StreamContent) isContent()  {}
func (ChunkedContent) isContent() {}

// pushChunks reads body in pieces of chunkSize and sends them on the returned
// channel until EOF, a read error, or ctx is done. The body is closed when the
// goroutine exits.
func pushChunks(ctx context.Context, body io.ReadCloser, chunkSize int) <-chan Chunk {
	out := make(chan Chunk)

	go func() {
		defer close(out)
		defer body.Close()

		buf := make([]byte, chunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case out <- Chunk{Data: data}:
				case <-ctx.Done():
					return
				}
			}
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case out <- Chunk{Err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return out
}
