package worker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/scatter/internal/job"
	"github.com/mattjoyce/scatter/internal/protocol"
)

// Serve handles one worker invocation: the request comes from requestPath
// when set, otherwise from stdin. The response goes to the request's
// response directory when set, otherwise to stdout. A non-nil error means
// no request could be read.
func (w *Worker) Serve(ctx context.Context, requestPath string, stdin io.Reader, stdout io.Writer) (protocol.Response, error) {
	var (
		req *protocol.Request
		err error
	)
	if requestPath != "" {
		req, err = protocol.ReadRequestFile(requestPath)
	} else {
		req, err = protocol.DecodeRequest(stdin)
	}
	if err != nil {
		resp := failed(protocol.Response{Rank: protocol.RankFromEnv}, &job.ConfigError{Field: "request", Err: err})
		_ = protocol.EncodeResponse(stdout, &resp)
		return resp, err
	}

	resp := w.Run(ctx, *req)
	if err := writeResponse(req.ResponseDir, &resp, stdout); err != nil {
		return resp, err
	}
	return resp, nil
}

func writeResponse(dir string, resp *protocol.Response, stdout io.Writer) error {
	if dir == "" || resp.Rank < 0 {
		return protocol.EncodeResponse(stdout, resp)
	}
	path := protocol.ResponsePath(dir, resp.Rank)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create response file: %w", err)
	}
	if err := protocol.EncodeResponse(f, resp); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close response file: %w", err)
	}
	return os.Rename(tmp, path)
}
