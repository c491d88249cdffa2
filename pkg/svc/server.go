// TCP front-end.
//
// The server accepts connections, binds each to a session and runs
// the session loop in its own goroutine. Closing the listener stops
// the accept loop; Shutdown then stops the library.
package svc

import (
	"net"
	"sync"

	"github.com/toschoo/nowdb/pkg/errs"
	"github.com/toschoo/nowdb/pkg/log"
)

// Server serves sessions over TCP.
type Server struct {
	lib *Library
	ln  net.Listener
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Listen binds the server to an address like "127.0.0.1:55505".
func Listen(lib *Library, addr string) (*Server, *errs.Error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errs.OS(errs.Bind, addr, err)
	}
	return &Server{lib: lib, ln: ln}, nil
}

// Addr returns the bound address.
func (srv *Server) Addr() string { return srv.ln.Addr().String() }

// Serve runs the accept loop until Close.
func (srv *Server) Serve() *errs.Error {
	logger := log.WithComponent("server")
	for {
		conn, err := srv.ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closed := srv.closed
			srv.mu.Unlock()
			if closed {
				return nil
			}
			return errs.OS(errs.Accept, srv.Addr(), err)
		}
		sess, serr := srv.lib.GetSession(conn, conn)
		if serr != nil {
			logger.Warn().Err(serr).Msg("connection rejected")
			writeError(conn, serr)
			conn.Close()
			continue
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			defer conn.Close()
			sess.Run()
		}()
	}
}

// Close stops accepting and waits for running sessions.
func (srv *Server) Close() {
	srv.mu.Lock()
	srv.closed = true
	srv.mu.Unlock()
	srv.ln.Close()
	srv.wg.Wait()
}
