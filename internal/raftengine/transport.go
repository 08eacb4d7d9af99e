package raftengine

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.etcd.io/raft/v3/raftpb"
)

type messageHandler func(msg raftpb.Message)

// tcpTransport delivers raft messages as length prefixed frames, one short
// lived connection per message.
type tcpTransport struct {
	nodeID   uint64
	handler  messageHandler
	listener net.Listener
	logger   hclog.Logger

	mu       sync.Mutex
	peers    map[uint64]string
	outbound map[uint64]chan raftpb.Message
	closed   chan struct{}
}

func newTCPTransport(nodeID uint64, addr string, peers map[uint64]string, logger hclog.Logger, handler messageHandler) (*tcpTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("raft listen %s: %w", addr, err)
	}
	t := &tcpTransport{
		nodeID:   nodeID,
		handler:  handler,
		listener: ln,
		logger:   logger,
		peers:    peers,
		outbound: make(map[uint64]chan raftpb.Message),
		closed:   make(chan struct{}),
	}
	for peer := range peers {
		if peer == nodeID {
			continue
		}
		ch := make(chan raftpb.Message, 256)
		t.outbound[peer] = ch
		go t.sender(peer, ch)
	}
	go t.acceptLoop()
	return t, nil
}

func (t *tcpTransport) send(to uint64, msg raftpb.Message) error {
	t.mu.Lock()
	ch, ok := t.outbound[to]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %d", to)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d queue full", to)
	}
}

func (t *tcpTransport) sender(peer uint64, ch <-chan raftpb.Message) {
	for {
		select {
		case <-t.closed:
			return
		case msg := <-ch:
			conn, err := net.DialTimeout("tcp", t.peers[peer], 500*time.Millisecond)
			if err != nil {
				t.logger.Trace("dial peer", "peer", peer, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(500 * time.Millisecond))
			if err := writeEnvelope(conn, msg); err != nil {
				t.logger.Trace("write to peer", "peer", peer, "error", err)
			}
			_ = conn.Close()
		}
	}
}

func (t *tcpTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
			}
			continue
		}
		go func(c net.Conn) {
			defer c.Close()
			_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
			msg, err := readEnvelope(c)
			if err != nil {
				return
			}
			t.handler(msg)
		}(conn)
	}
}

func (t *tcpTransport) close() error {
	close(t.closed)
	return t.listener.Close()
}

func writeEnvelope(w io.Writer, msg raftpb.Message) error {
	b, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readEnvelope(r io.Reader) (raftpb.Message, error) {
	br := bufio.NewReader(r)
	var sz uint32
	if err := binary.Read(br, binary.BigEndian, &sz); err != nil {
		return raftpb.Message{}, err
	}
	if sz == 0 {
		return raftpb.Message{}, io.ErrUnexpectedEOF
	}
	buf := make([]byte, sz)
	if _, err := io.ReadFull(br, buf); err != nil {
		return raftpb.Message{}, err
	}
	var msg raftpb.Message
	if err := msg.Unmarshal(buf); err != nil {
		return raftpb.Message{}, err
	}
	return msg, nil
}
