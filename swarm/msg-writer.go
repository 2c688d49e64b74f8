package swarm

import (
	"bytes"
	"io"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"

	pp "github.com/anacrolix/torrent-handler/peer_protocol"
)

// Buffers messages for a connection and writes them from its own goroutine, so senders never
// block on the network.
type msgWriter struct {
	closed *chansync.SetOnce
	logger log.Logger
	w      io.Writer
	// Called with the write error when the writer gives up.
	onError func(error)
	// Each flush must finish within this, if w supports write deadlines. Zero disables it.
	writeTimeout time.Duration

	mu        sync.Mutex
	writeCond chansync.BroadcastCond
	// Pointer so we can swap with the "front buffer".
	writeBuffer *bytes.Buffer
}

func newMsgWriter(w io.Writer, closed *chansync.SetOnce, logger log.Logger, onError func(error)) *msgWriter {
	return &msgWriter{
		closed:      closed,
		logger:      logger,
		w:           w,
		onError:     onError,
		writeBuffer: new(bytes.Buffer),
	}
}

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// Writes until closed or a write fails. A keep-alive goes out after keepAliveInterval with
// nothing written. A non-positive interval sends none.
func (cn *msgWriter) run(keepAliveInterval time.Duration) {
	keepAlives := keepAliveInterval > 0
	if !keepAlives {
		keepAliveInterval = time.Hour
	}
	lastWrite := time.Now()
	keepAliveTimer := time.NewTimer(keepAliveInterval)
	defer keepAliveTimer.Stop()
	frontBuf := new(bytes.Buffer)
	for {
		if cn.closed.IsSet() {
			return
		}
		cn.mu.Lock()
		if keepAlives && cn.writeBuffer.Len() == 0 && time.Since(lastWrite) >= keepAliveInterval {
			cn.writeBuffer.Write(pp.Message{Keepalive: true}.MustMarshalBinary())
		}
		if cn.writeBuffer.Len() == 0 {
			writeCond := cn.writeCond.Signaled()
			cn.mu.Unlock()
			select {
			case <-cn.closed.Done():
			case <-writeCond:
			case <-keepAliveTimer.C:
				keepAliveTimer.Reset(keepAliveInterval)
			}
			continue
		}
		// Flip the buffers.
		frontBuf, cn.writeBuffer = cn.writeBuffer, frontBuf
		cn.mu.Unlock()
		_, err := cn.flush(frontBuf)
		frontBuf.Reset()
		if err != nil {
			cn.logger.WithDefaultLevel(log.Debug).Printf("error writing: %v", err)
			cn.onError(err)
			return
		}
		lastWrite = time.Now()
		if !keepAliveTimer.Stop() {
			select {
			case <-keepAliveTimer.C:
			default:
			}
		}
		keepAliveTimer.Reset(keepAliveInterval)
	}
}

func (cn *msgWriter) flush(buf *bytes.Buffer) (int64, error) {
	wd, ok := cn.w.(writeDeadliner)
	if ok && cn.writeTimeout > 0 {
		err := wd.SetWriteDeadline(time.Now().Add(cn.writeTimeout))
		if err != nil {
			return 0, err
		}
	}
	return buf.WriteTo(cn.w)
}

func (cn *msgWriter) write(msg pp.Message) {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.writeBuffer.Write(msg.MustMarshalBinary())
	cn.writeCond.Broadcast()
}

// Bytes buffered but not yet handed to the connection.
func (cn *msgWriter) buffered() int {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	return cn.writeBuffer.Len()
}
