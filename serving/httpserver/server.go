// Package httpserver wires the serving engine behind an HTTP edge: chat
// completion submission (streaming and non-streaming), health probes and
// Prometheus metrics.
package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/llmserve/llmserve/serving"
)

// defaultTimeout bounds how long a client waits on its result stream when the
// request does not carry its own deadline.
const defaultTimeout = 300 * time.Second

// Server exposes the engine over HTTP.
type Server struct {
	engine  *serving.Engine
	checker *serving.HealthChecker
	router  *gin.Engine
}

func New(engine *serving.Engine, checker *serving.HealthChecker) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  engine,
		checker: checker,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery())
	s.router.POST("/v1/chat/completions", s.createChatCompletion)
	s.router.GET("/v2/health/ready", s.checkHealth)
	s.router.GET("/v2/health/live", s.checkHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Handler returns the underlying HTTP handler, for tests and custom servers.
func (s *Server) Handler() http.Handler { return s.router }

// Run blocks serving on addr.
func (s *Server) Run(addr string) error {
	logrus.Infof("http server listening on %s", addr)
	return s.router.Run(addr)
}

// errorResponse mirrors the wire shape of a failed completion: non-empty
// error_msg, non-zero error_code.
type errorResponse struct {
	ErrorMsg  string `json:"error_msg"`
	ErrorCode int    `json:"error_code"`
	Result    string `json:"result"`
}

func (s *Server) createChatCompletion(c *gin.Context) {
	var req serving.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, errorResponse{ErrorMsg: fmt.Sprintf("invalid request body: %v", err), ErrorCode: 400})
		return
	}
	logrus.Infof("receive request: %s", req.ReqID)
	timeout := defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	stream, err := s.engine.Submit(&req)
	if err != nil {
		c.JSON(http.StatusOK, errorResponse{ErrorMsg: err.Error(), ErrorCode: 400})
		return
	}
	if req.Stream {
		s.streamResponse(c, req.ReqID, stream, timeout)
	} else {
		s.collectResponse(c, req.ReqID, stream, timeout)
	}
	logrus.Infof("finish request: %s", req.ReqID)
}

// streamResponse writes one JSON line per result event until the terminal
// event or the deadline.
func (s *Server) streamResponse(c *gin.Context, reqID string, stream <-chan *serving.Result, timeout time.Duration) {
	c.Header("Content-Type", "text/event-stream")
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	c.Stream(func(w io.Writer) bool {
		select {
		case res, ok := <-stream:
			if !ok {
				return false
			}
			line, err := json.Marshal(res)
			if err != nil {
				logrus.Errorf("marshal result for req_id %s: %v", reqID, err)
				return false
			}
			w.Write(append(line, '\n'))
			return res.IsEnd != 1
		case <-deadline.C:
			s.engine.Abandon(reqID)
			line, _ := json.Marshal(errorResponse{ErrorMsg: "request timed out", ErrorCode: 500})
			w.Write(append(line, '\n'))
			return false
		}
	})
}

// collectResponse drains the stream and returns only the terminal event,
// reshaped for non-streaming clients: the accumulated text plus totals,
// without the per-step fields.
func (s *Server) collectResponse(c *gin.Context, reqID string, stream <-chan *serving.Result, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case res, ok := <-stream:
			if !ok {
				c.JSON(http.StatusOK, errorResponse{ErrorMsg: "result stream closed unexpectedly", ErrorCode: 500})
				return
			}
			if res.IsEnd != 1 {
				continue
			}
			c.JSON(http.StatusOK, gin.H{
				"req_id":         res.ReqID,
				"result":         res.Result,
				"tokens_all_num": res.TokensAllNum,
				"tokens_all_ids": res.TokensAllIDs,
				"error_msg":      "",
				"error_code":     0,
			})
			return
		case <-deadline.C:
			s.engine.Abandon(reqID)
			c.JSON(http.StatusOK, errorResponse{ErrorMsg: "request timed out", ErrorCode: 500})
			return
		}
	}
}

func (s *Server) checkHealth(c *gin.Context) {
	ok, code, msg := s.checker.Check()
	if ok {
		c.Status(http.StatusOK)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error_code": code, "error_msg": msg})
}
