package workload

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/3cpo-dev/benchctl/internal/client"
)

// profile all indexing spans while the commands of a run execute
const logStreamRequest = `{"mode":"profile","target":"indexing::=trace"}`

const stopStreamTimeout = 10 * time.Second

// logStream copies the target's diagnostic log stream into a trace file.
type logStream struct {
	logs   *client.Client
	file   *os.File
	cancel context.CancelFunc
	done   chan struct{}
	log    zerolog.Logger

	written int64
	copyErr error
	panics  fault
}

func startLogStream(ctx context.Context, logs *client.Client, path string, log zerolog.Logger) (*logStream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create trace file")
	}
	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := logs.Request(streamCtx, http.MethodPost, "", bytes.NewReader([]byte(logStreamRequest)), "application/json")
	if err == nil {
		if err = client.CheckStatus(resp); err != nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		cancel()
		f.Close()
		return nil, errors.Wrap(err, "start log stream")
	}

	s := &logStream{logs: logs, file: f, cancel: cancel, done: make(chan struct{}), log: log}
	go func() {
		defer close(s.done)
		defer s.panics.capture(nil)
		defer resp.Body.Close()
		n, err := io.Copy(f, resp.Body)
		s.written = n
		if err != nil && streamCtx.Err() == nil {
			s.copyErr = err
		}
	}()
	log.Debug().Str("trace", path).Msg("log stream started")
	return s, nil
}

// stop asks the target to end the stream, then stops reading. It runs even
// when ctx is already cancelled so the target is not left streaming.
func (s *logStream) stop(ctx context.Context) (int64, error) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopStreamTimeout)
	defer cancel()
	resp, err := s.logs.Request(stopCtx, http.MethodDelete, "", nil, "")
	if err == nil {
		err = client.CheckStatus(resp)
		resp.Body.Close()
	}

	s.cancel()
	<-s.done
	closeErr := s.file.Close()
	s.panics.reraise(s.log)

	switch {
	case err != nil:
		return s.written, errors.Wrap(err, "stop log stream")
	case s.copyErr != nil:
		return s.written, errors.Wrap(s.copyErr, "read log stream")
	case closeErr != nil:
		return s.written, errors.Wrap(closeErr, "close trace file")
	}
	s.log.Debug().Int64("bytes", s.written).Msg("log stream stopped")
	return s.written, nil
}
