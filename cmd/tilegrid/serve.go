package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gomlx/tilegrid/pkg/partition"
	"github.com/gomlx/tilegrid/pkg/runtime"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

// server answers planning requests with the runtime's device and budgets.
type server struct {
	rt *runtime.Context
}

func (s *server) register(e *echo.Echo) {
	e.GET("/v1/device", s.handleDevice)
	e.GET("/v1/plan/matmul", s.handlePlanMatmul)
	e.GET("/v1/plan/softmax", s.handlePlanSoftmax)
	e.GET("/v1/plan/groupnorm", s.handlePlanGroupNorm)
	e.GET("/v1/plan/transpose", s.handlePlanTranspose)
	e.GET("/v1/plan/conv", s.handlePlanConv)
}

func writeJSON(c *echo.Context, status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, errors.Wrap(err, "failed to serialize response"))
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	res.WriteHeader(status)
	_, err = res.Write(data)
	return err
}

func writeError(c *echo.Context, status int, err error) error {
	klog.V(1).Infof("%s %s: %v", c.Request().Method, c.Request().URL, err)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// queryParams reads query parameters into their destinations, keeping the
// current values of the missing ones.
type queryParams struct {
	c   *echo.Context
	err error
}

func (q *queryParams) intParam(name string, dst *int) *queryParams {
	if v := q.c.QueryParam(name); v != "" && q.err == nil {
		n, err := strconv.Atoi(v)
		if err != nil {
			q.err = errors.Errorf("invalid integer %q for query parameter %q", v, name)
			return q
		}
		*dst = n
	}
	return q
}

func (q *queryParams) boolParam(name string, dst *bool) *queryParams {
	if v := q.c.QueryParam(name); v != "" && q.err == nil {
		b, err := strconv.ParseBool(v)
		if err != nil {
			q.err = errors.Errorf("invalid boolean %q for query parameter %q", v, name)
			return q
		}
		*dst = b
	}
	return q
}

func (q *queryParams) stringParam(name string, dst *string) *queryParams {
	if v := q.c.QueryParam(name); v != "" {
		*dst = v
	}
	return q
}

func (s *server) handleDevice(c *echo.Context) error {
	d := s.rt.DefaultDevice()
	return writeJSON(c, http.StatusOK, map[string]any{
		"id":           d.ID(),
		"grid":         d.GridSize().String(),
		"config":       d.Config(),
		"budgets":      s.rt.Budgets(),
		"live_buffers": d.NumLiveBuffers(),
	})
}

func (s *server) plan(c *echo.Context, q *queryParams, fn func(withProgram bool) (any, error)) error {
	var withProgram bool
	q.boolParam("program", &withProgram)
	if q.err != nil {
		return writeError(c, http.StatusBadRequest, q.err)
	}
	report, err := fn(withProgram)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	return writeJSON(c, http.StatusOK, report)
}

func (s *server) handlePlanMatmul(c *echo.Context) error {
	req := matmulRequest{Batches: 1}
	q := (&queryParams{c: c}).intParam("batches", &req.Batches).intParam("m", &req.M).intParam("k", &req.K).intParam("n", &req.N).
		boolParam("bmm", &req.Bmm).stringParam("strategy", &req.Strategy)
	return s.plan(c, q, func(withProgram bool) (any, error) { return planMatmul(s.rt, req, withProgram) })
}

func (s *server) handlePlanSoftmax(c *echo.Context) error {
	req := softmaxRequest{Batches: 1, Scale: 1}
	q := (&queryParams{c: c}).intParam("batches", &req.Batches).intParam("h", &req.H).intParam("w", &req.W).boolParam("masked", &req.Masked)
	return s.plan(c, q, func(withProgram bool) (any, error) { return planSoftmax(s.rt, req, withProgram) })
}

func (s *server) handlePlanGroupNorm(c *echo.Context) error {
	req := groupNormRequest{Batches: 1}
	q := (&queryParams{c: c}).intParam("batches", &req.Batches).intParam("h", &req.H).intParam("w", &req.W).intParam("groups", &req.Groups)
	return s.plan(c, q, func(withProgram bool) (any, error) { return planGroupNorm(s.rt, req, withProgram) })
}

func (s *server) handlePlanTranspose(c *echo.Context) error {
	req := transposeRequest{Dim: "WH", N: 1}
	q := (&queryParams{c: c}).stringParam("dim", &req.Dim).intParam("n", &req.N).intParam("c", &req.C).intParam("h", &req.H).intParam("w", &req.W)
	return s.plan(c, q, func(withProgram bool) (any, error) { return planTranspose(s.rt, req, withProgram) })
}

func (s *server) handlePlanConv(c *echo.Context) error {
	req := convRequest{ConvParams: partition.ConvParams{KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1}}
	q := (&queryParams{c: c}).intParam("channels", &req.Channels).intParam("height", &req.Height).intParam("width", &req.Width).
		intParam("filters", &req.NumFilters).
		intParam("kernel_h", &req.KernelH).intParam("kernel_w", &req.KernelW).
		intParam("stride_h", &req.StrideH).intParam("stride_w", &req.StrideW).
		intParam("pad_h", &req.PadH).intParam("pad_w", &req.PadW)
	return s.plan(c, q, func(bool) (any, error) { return planConv(s.rt.Budgets(), req) })
}

func newEcho(rt *runtime.Context, logRequests bool) *echo.Echo {
	e := echo.New()
	if logRequests {
		e.Use(middleware.RequestLogger())
	}
	e.Use(middleware.Recover())
	(&server{rt: rt}).register(e)
	return e
}

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the planners over HTTP: /v1/device and /v1/plan/{matmul,softmax,groupnorm,transpose,conv}",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return withRuntime(cmd, func(rt *runtime.Context) error {
				e := newEcho(rt, true)
				klog.Infof("serving plans for a %s grid on %s", rt.DefaultDevice().GridSize(), addr)
				sc := echo.StartConfig{
					Address: addr,
					BeforeServeFunc: func(srv *http.Server) error {
						srv.ReadHeaderTimeout = readTimeout
						return nil
					},
				}
				return sc.Start(ctx, e)
			})
		},
	}
}
