package supervisor

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
)

// Server is the authenticated, length-framed control socket described in
// spec.md §6: a unix socket in production, a tcp listener in tests.
type Server struct {
	listener net.Listener
	secret   string
	super    *Supervisor
	logger   *slog.Logger
}

// NewServer wraps an already-bound listener.
func NewServer(listener net.Listener, secret string, super *Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{listener: listener, secret: secret, super: super, logger: logger}
}

// Serve accepts connections until ctx is canceled or the listener errors.
func (srv *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()

		_ = srv.listener.Close()
	}()

	for {
		conn, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return fmt.Errorf("supervisor: control socket accept: %w", err)
			}
		}

		go srv.handleConn(ctx, conn)
	}
}

func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	auth, err := readFrame(conn)
	if err != nil {
		return
	}

	if subtle.ConstantTimeCompare(auth, []byte(srv.secret)) != 1 {
		_ = writeJSON(conn, errResponse("authentication failed"))

		return
	}

	for {
		cmd, err := readCommand(conn)
		if err != nil {
			return
		}

		resp := srv.dispatch(ctx, cmd)

		if err := writeJSON(conn, resp); err != nil {
			return
		}
	}
}

func (srv *Server) dispatch(ctx context.Context, cmd Command) Response {
	switch cmd.Verb {
	case "help":
		return okResponse("verbs: help, get, start, stop, restart, run")
	case "get":
		return srv.dispatchGet(cmd)
	case "start":
		if err := srv.super.StartWorker(cmd.Target); err != nil {
			return errResponse("%v", err)
		}

		return okResponse("started")
	case "stop":
		if err := srv.super.StopWorker(cmd.Target); err != nil {
			return errResponse("%v", err)
		}

		return okResponse("stopped")
	case "restart":
		if err := srv.super.RestartWorker(cmd.Target); err != nil {
			return errResponse("%v", err)
		}

		return okResponse("restarted")
	case "run":
		if err := srv.super.RunTask(ctx, cmd.Target, cmd.Args); err != nil {
			return errResponse("%v", err)
		}

		return okResponse("ok")
	default:
		return errResponse("unknown command %q; recognized verbs are help, get, start, stop, restart, run", cmd.Verb)
	}
}

func (srv *Server) dispatchGet(cmd Command) Response {
	switch cmd.Target {
	case "config":
		if srv.super.configFn == nil {
			return errResponse("config not available")
		}

		return okResponse(srv.super.configFn())
	case "folders":
		if srv.super.foldersFn == nil {
			return errResponse("folders not available")
		}

		return okResponse(srv.super.foldersFn())
	case "rclone_gui_config":
		if srv.super.rpcFn == nil {
			return errResponse("rclone_gui_config not available")
		}

		data, err := srv.super.rpcFn(cmd.Args)
		if err != nil {
			return errResponse("%v", err)
		}

		encoded, err := json.Marshal(data)
		if err != nil {
			return errResponse("%v", err)
		}

		return okResponse(string(encoded))
	default:
		running, found := srv.super.WorkerStatus(cmd.Target)
		if !found {
			return errResponse("unknown target %q; try help", cmd.Target)
		}

		if running {
			return okResponse("running")
		}

		return okResponse("stopped")
	}
}
