package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/l3aro/go-deflat/internal/config"
	"github.com/l3aro/go-deflat/pkg/deflat"
	"github.com/l3aro/go-deflat/pkg/mir"
	"github.com/l3aro/go-deflat/pkg/task"
)

// Response codes. 0 is success; the negative codes keep the numbering of
// the IDA driver so existing plugins can read them.
const (
	CodeOK          = 0
	CodeBadRequest  = -1
	CodeInternal    = -2
	CodeUnsupported = -3
	CodeBadGraph    = -4
	CodeFailed      = -5
	CodeEmpty       = -6
)

// ResultData carries the patched graph.
type ResultData struct {
	MBA    string         `json:"mba"`
	Report *deflat.Report `json:"report,omitempty"`
}

// Response is the body returned by POST /request.
type Response struct {
	Code  int        `json:"code"`
	Error string     `json:"error"`
	Warn  string     `json:"warn"`
	Data  ResultData `json:"data"`
}

func errorResponse(code int, msg string) Response {
	return Response{Code: code, Error: msg}
}

// RunTask decodes the task's graph and deobfuscates it with the configured
// policy and budget. The configured maturity applies when the task carries
// none.
func RunTask(ctx context.Context, t *task.Task, cfg *config.Config, obs deflat.Observer) (*mir.Graph, *deflat.Report, error) {
	g, err := t.Graph()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", deflat.ErrIngestion, err)
	}
	if t.Maturity == 0 {
		if m := cfg.MaturityLevel(); m != 0 {
			g.Maturity = m
		}
	}
	rep, err := deflat.Run(ctx, g, t.Dispatchers, cfg.Options(g.Maturity), obs)
	return g, rep, err
}

// Process handles one request body.
func Process(ctx context.Context, body []byte, cfg *config.Config) Response {
	t, err := task.Parse(body)
	if err != nil {
		if errors.Is(err, task.ErrMalformed) {
			return errorResponse(CodeBadRequest, "Unable to unmarshal request.")
		}
		if errors.Is(err, task.ErrNoGraph) {
			return errorResponse(CodeBadGraph, err.Error())
		}
		return errorResponse(CodeUnsupported, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout())
	defer cancel()

	g, rep, err := RunTask(ctx, t, cfg, nil)
	var warn string
	if rep != nil {
		warn = strings.Join(rep.Warnings(), "\n")
	}
	switch {
	case err == nil:
	case errors.Is(err, deflat.ErrIngestion):
		return errorResponse(CodeBadGraph, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return Response{Code: CodeFailed, Error: "process timeout", Warn: warn}
	default:
		return Response{Code: CodeFailed, Error: err.Error(), Warn: warn}
	}

	if rep.Committed() == 0 {
		return Response{Code: CodeEmpty, Error: "no dispatcher edge could be recovered", Warn: warn, Data: ResultData{Report: rep}}
	}
	mba, err := task.EncodeGraph(g)
	if err != nil {
		return errorResponse(CodeInternal, "Server internal error.")
	}
	return Response{Code: CodeOK, Warn: warn, Data: ResultData{MBA: mba, Report: rep}}
}
