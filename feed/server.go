// Package feed accepts sensor readings from panel bridges over TCP, one JSON
// encoded reading per line, and acknowledges each with its outcome.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/caarlos0/safehome/zone"
	"github.com/caarlos0/sync/cio"
	logp "github.com/charmbracelet/log"
)

var log = logp.NewWithOptions(os.Stderr, logp.Options{
	ReportTimestamp: true,
	TimeFormat:      time.Kitchen,
	Prefix:          "feed",
})

const maxLine = 16 * 1024

type Ingester interface {
	Ingest(r zone.Reading) (zone.Outcome, error)
}

// Ack is written back for every line received.
type Ack struct {
	SensorID string `json:"sensor_id,omitempty"`
	Sequence uint64 `json:"sequence,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Server struct {
	ingester Ingester
	idle     time.Duration
	wg       sync.WaitGroup
}

// NewServer creates a server dropping connections idle for longer than idle.
func NewServer(ingester Ingester, idle time.Duration) *Server {
	if idle <= 0 {
		idle = 5 * time.Minute
	}
	return &Server{ingester: ingester, idle: idle}
}

// Serve accepts connections until ctx is done, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	log.Info("listening", "addr", ln.Addr().String())
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("could not accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn reads readings from conn until it is closed, goes idle, or ctx is
// done.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log.Debug("connected", "remote", remote)

	scanner := bufio.NewScanner(cio.TimeoutReader(conn, s.idle))
	scanner.Buffer(make([]byte, 0, 1024), maxLine)
	enc := json.NewEncoder(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := enc.Encode(s.handle(line)); err != nil {
			log.Warn("could not ack", "remote", remote, "err", err)
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Warn("connection closed", "remote", remote, "err", err)
		return
	}
	log.Debug("disconnected", "remote", remote)
}

func (s *Server) handle(line []byte) Ack {
	var r zone.Reading
	if err := json.Unmarshal(line, &r); err != nil {
		return Ack{Error: "invalid reading: " + err.Error()}
	}
	outcome, err := s.ingester.Ingest(r)
	ack := Ack{SensorID: r.SensorID, Sequence: r.Sequence}
	if err != nil {
		ack.Error = err.Error()
		return ack
	}
	ack.Outcome = outcome.String()
	return ack
}
