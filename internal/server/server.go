// Package server wires the data-port acceptor, the admin-port acceptor,
// and a single worker goroutine around internal/process.Processor,
// connected by the SPSC ring between acceptor and worker (§5, §9). A
// single data-acceptor goroutine accepts connections and pushes each raw
// net.Conn onto the ring; the single worker goroutine is the ring's only
// consumer, and it alone performs the read, parse, and engine dispatch
// for every data connection, cycling through all of them in one loop —
// matching §5's "Worker → engine calls are single-threaded; engines
// carry no internal locking." The admin port runs on its own
// independent thread per §5, but its Processor calls (stats/version/
// flush) are serialized against the worker with a shared mutex, since
// FlushAll mutates the same engine state the worker's Process calls do.
package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pelikan-go/storectl/internal/process"
	"github.com/pelikan-go/storectl/internal/proto"
	"github.com/pelikan-go/storectl/internal/ring"
)

// Config tunes connection handling; it mirrors the buf_init_size,
// dbuf_max_power, and max_conns options from internal/config.
type Config struct {
	BufInitSize  int
	DbufMaxPower int
	MaxConns     int
}

func (c Config) withDefaults() Config {
	if c.BufInitSize == 0 {
		c.BufInitSize = 4096
	}
	if c.DbufMaxPower == 0 {
		c.DbufMaxPower = 8
	}
	if c.MaxConns == 0 {
		c.MaxConns = 1024
	}
	return c
}

// pollInterval bounds both how long the worker's per-connection read
// waits for data before moving on to the next connection, and how long
// it sleeps when it has no connections at all to service.
const pollInterval = time.Millisecond

// Server owns the data-port listener, the admin-port listener, and the
// single worker goroutine that serializes access to the Processor.
type Server struct {
	cfg  Config
	proc *process.Processor
	log  *zap.Logger

	// dataQueue carries freshly accepted data connections from the sole
	// data-acceptor goroutine (the only Push caller) to the sole worker
	// goroutine (the only Pop caller). Widening either side to more than
	// one goroutine would turn this SPSC ring into an MPSC queue, which
	// it is not safe for.
	dataQueue *ring.Ring[net.Conn]

	// procMu serializes every Processor call that can mutate engine
	// state between the worker goroutine (the data path) and the admin
	// port's connection goroutines (stats/version/flush).
	procMu sync.Mutex

	dataLn  net.Listener
	adminLn net.Listener
}

// New constructs a Server. proc is the already-configured request
// processor (cuckoo- or slab-backed); log must not be nil.
func New(cfg Config, proc *process.Processor, log *zap.Logger) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		proc:      proc,
		log:       log,
		dataQueue: ring.New[net.Conn](cfg.MaxConns),
	}
}

// Run listens on dataAddr (memcached ASCII) and adminAddr (stats/flush),
// and blocks until ctx is canceled or a listener fails. It always closes
// both listeners before returning.
func (s *Server) Run(ctx context.Context, dataAddr, adminAddr string) error {
	var err error
	s.dataLn, err = net.Listen("tcp", dataAddr)
	if err != nil {
		return err
	}
	defer s.dataLn.Close()

	s.adminLn, err = net.Listen("tcp", adminAddr)
	if err != nil {
		return err
	}
	defer s.adminLn.Close()

	return s.runBound(ctx)
}

// runBound runs the worker and both accept loops against whatever
// listeners are already set on s (dataLn/adminLn); Run binds them from
// addresses, while tests bind ephemeral ports directly.
func (s *Server) runBound(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runWorker(ctx) })
	g.Go(func() error { return s.acceptData(ctx) })
	g.Go(func() error { return s.acceptLoop(ctx, s.adminLn, s.serveAdmin) })

	go func() {
		<-ctx.Done()
		s.dataLn.Close()
		s.adminLn.Close()
	}()

	if err := g.Wait(); err != nil && !isShutdown(err) {
		return err
	}
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed)
}

// acceptData is the sole producer of dataQueue: it accepts a data-port
// connection and hands the raw socket to the worker via the ring,
// dropping (closing) the connection if the ring is full rather than
// retrying. The drop is not counted: the server holds no metrics
// registry, so the conn_dropped counter stays at zero.
func (s *Server) acceptData(ctx context.Context) error {
	for {
		conn, err := s.dataLn.Accept()
		if err != nil {
			if isShutdown(err) {
				return nil
			}
			return err
		}
		if !s.dataQueue.Push(conn) {
			conn.Close()
		}
	}
}

// acceptLoop is used only by the admin port, which per §5 runs as its
// own independent thread rather than through the worker's ring.
func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if isShutdown(err) {
				return nil
			}
			return err
		}
		go handle(ctx, conn)
	}
}

// dataConn holds one data connection's parser/composer/buffer state
// across the worker's repeated, non-blocking visits to it.
type dataConn struct {
	conn     net.Conn
	r        *bufio.Reader
	parser   *proto.Parser
	composer *proto.Composer
	buf      []byte
	readTmp  []byte
}

func newDataConn(c net.Conn, cfg Config) *dataConn {
	return &dataConn{
		conn:     c,
		r:        bufio.NewReaderSize(c, cfg.BufInitSize),
		parser:   proto.NewParser(250, cfg.BufInitSize<<uint(cfg.DbufMaxPower)),
		composer: proto.NewComposer(cfg.BufInitSize, cfg.DbufMaxPower),
		buf:      make([]byte, 0, cfg.BufInitSize),
		readTmp:  make([]byte, cfg.BufInitSize),
	}
}

// runWorker is the single goroutine allowed to read, parse, or dispatch
// to the engine for any data connection. It pulls newly accepted
// sockets off the ring and then cycles through every connection it
// owns, servicing whichever bytes have already arrived before moving
// on — an in-process event loop over one goroutine, matching §5's "no
// request parse or engine call may block on I/O".
func (s *Server) runWorker(ctx context.Context) error {
	var conns []*dataConn
	for {
		select {
		case <-ctx.Done():
			for _, c := range conns {
				c.conn.Close()
			}
			return nil
		default:
		}

		for {
			conn, ok := s.dataQueue.Pop()
			if !ok {
				break
			}
			conns = append(conns, newDataConn(conn, s.cfg))
		}

		if len(conns) == 0 {
			time.Sleep(pollInterval)
			continue
		}

		active := conns[:0]
		for _, c := range conns {
			if s.step(c) {
				active = append(active, c)
			}
		}
		conns = active
	}
}

// step services one connection for a single worker visit: it drains and
// dispatches every complete request already buffered, then attempts one
// bounded-deadline read for more bytes so the worker never blocks on a
// single connection's I/O. It reports whether the connection is still
// open and should be revisited.
func (s *Server) step(c *dataConn) bool {
	for {
		req, consumed, err := c.parser.Parse(c.buf)
		switch {
		case err == nil:
			c.buf = c.buf[consumed:]
			s.procMu.Lock()
			resp := s.proc.Process(req, time.Now().Unix())
			s.procMu.Unlock()
			if process.Closed(req) {
				c.conn.Close()
				return false
			}
			if req.NoReply || resp == nil {
				continue
			}
			c.composer.Reset()
			if werr := c.composer.WriteResponse(resp); werr != nil {
				s.log.Warn("compose response", zap.Error(werr))
				c.conn.Close()
				return false
			}
			if _, werr := c.conn.Write(c.composer.Bytes()); werr != nil {
				c.conn.Close()
				return false
			}
			continue
		case errors.Is(err, proto.ErrUnfinished):
			// No complete request buffered; fall through to read more.
		case errors.Is(err, proto.ErrSwallowing):
			c.buf = c.buf[consumed:]
			continue
		case errors.Is(err, proto.ErrInvalid):
			c.buf = c.buf[consumed:]
			c.composer.Reset()
			c.composer.WriteResponse(&proto.Response{Code: proto.RespClientError, Message: "bad command line"})
			if _, werr := c.conn.Write(c.composer.Bytes()); werr != nil {
				c.conn.Close()
				return false
			}
			continue
		default:
			c.conn.Close()
			return false
		}
		break
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		c.conn.Close()
		return false
	}
	n, rerr := c.r.Read(c.readTmp)
	if n > 0 {
		c.buf = append(c.buf, c.readTmp[:n]...)
	}
	if rerr != nil {
		if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
			return true
		}
		if rerr != io.EOF {
			s.log.Debug("connection read error", zap.Error(rerr))
		}
		c.conn.Close()
		return false
	}
	return true
}

// serveAdmin speaks the small line-based admin protocol (stats, version,
// flush, quit) rather than the full memcached ASCII grammar; it runs as
// its own independent thread per §5 but holds procMu for every Processor
// call, since FlushAll and the worker's Process calls both mutate the
// same engine state and must not run concurrently.
func (s *Server) serveAdmin(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReaderSize(conn, s.cfg.BufInitSize)
	composer := proto.NewComposer(s.cfg.BufInitSize, s.cfg.DbufMaxPower)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		verb := strings.TrimSpace(line)

		var resp *proto.Response
		switch verb {
		case "stats":
			s.procMu.Lock()
			resp = s.proc.Process(&proto.Request{Verb: proto.VerbStats}, time.Now().Unix())
			s.procMu.Unlock()
		case "version":
			s.procMu.Lock()
			resp = s.proc.Process(&proto.Request{Verb: proto.VerbVersion}, time.Now().Unix())
			s.procMu.Unlock()
		case "flush":
			s.procMu.Lock()
			resp = s.proc.FlushAll()
			s.procMu.Unlock()
		case "quit":
			return
		default:
			resp = &proto.Response{Code: proto.RespClientError, Message: "unknown admin command"}
		}

		composer.Reset()
		if werr := composer.WriteResponse(resp); werr != nil {
			s.log.Warn("compose admin response", zap.Error(werr))
			return
		}
		if _, werr := conn.Write(composer.Bytes()); werr != nil {
			return
		}
	}
}
