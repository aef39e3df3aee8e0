// Package server 结算服务的 HTTP 管理面。
// 调用方身份由上游网关解析后经 X-Caller-ID 头传入，本服务只做基金管理人判定。
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fund/execution/internal/adapter"
	"github.com/fund/execution/internal/ledger"
	"github.com/fund/execution/internal/permission"
	"github.com/fund/execution/internal/registry"
	"github.com/fund/execution/internal/vault"
	"github.com/fund/execution/pkg/audit"
	apperrors "github.com/fund/execution/pkg/errors"
	"github.com/fund/execution/pkg/health"
	"github.com/fund/execution/pkg/logger"
	"github.com/fund/execution/pkg/response"
	"github.com/fund/execution/pkg/tracing"
)

const callerHeader = "X-Caller-ID"

// Server 管理面
type Server struct {
	adapters map[string]adapter.Adapter // key: venue 名
	gate     *permission.Gate
	vault    *vault.Vault
	registry *registry.Registry
	book     *ledger.Ledger
	auditor  audit.Logger
	health   *health.Health
	feed     *Feed
	log      *logger.Logger
}

// Config 装配
type Config struct {
	Adapters []adapter.Adapter
	Gate     *permission.Gate
	Vault    *vault.Vault
	Registry *registry.Registry
	Book     *ledger.Ledger
	Auditor  audit.Logger
	Health   *health.Health
	Feed     *Feed
	Logger   *logger.Logger
}

// New 创建管理面
func New(cfg Config) *Server {
	s := &Server{
		adapters: make(map[string]adapter.Adapter),
		gate:     cfg.Gate,
		vault:    cfg.Vault,
		registry: cfg.Registry,
		book:     cfg.Book,
		auditor:  cfg.Auditor,
		health:   cfg.Health,
		feed:     cfg.Feed,
		log:      cfg.Logger,
	}
	for _, a := range cfg.Adapters {
		s.adapters[a.Venue()] = a
	}
	return s
}

// Handler 组装路由与中间件
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/orders/make", s.handleMakeOrder)
	mux.HandleFunc("/v1/orders/take", s.handleTakeOrder)
	mux.HandleFunc("/v1/orders/cancel", s.handleCancelOrder)
	mux.HandleFunc("/v1/orders/get", s.handleGetOrder)
	mux.HandleFunc("/v1/orders/open", s.handleOpenOrders)
	mux.HandleFunc("/v1/swap", s.handleSwap)
	mux.HandleFunc("/v1/custody/balances", s.handleBalances)
	mux.HandleFunc("/v1/assets", s.handleAssets)
	mux.HandleFunc("/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("/v1/admin/shutdown", s.handleShutdown)

	mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		mux.HandleFunc("/live", s.health.LiveHandler())
		mux.HandleFunc("/ready", s.health.ReadyHandler())
		mux.HandleFunc("/health", s.health.HealthHandler())
	}
	if s.feed != nil {
		mux.HandleFunc("/ws/orders", s.feed.HandleWS)
	}

	var h http.Handler = mux
	h = tracing.HTTPMiddleware(h)
	h = response.RequestIDMiddleware(h)
	h = response.RecoveryMiddleware(h)
	return h
}

func caller(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(callerHeader))
}

func (s *Server) venueAdapter(w http.ResponseWriter, r *http.Request, venue string) (adapter.Adapter, bool) {
	a, ok := s.adapters[venue]
	if !ok {
		response.WriteErrorCode(w, r, apperrors.CodeNotFound, "unknown venue "+venue)
		return nil, false
	}
	return a, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "method not allowed")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.WriteErrorCode(w, r, apperrors.CodeInvalidParam, "malformed request body")
		return false
	}
	return true
}

type makeOrderRequest struct {
	Venue      string `json:"venue"`
	MakerAsset string `json:"makerAsset"`
	TakerAsset string `json:"takerAsset"`
	MakerQty   int64  `json:"makerQty"`
	TakerQty   int64  `json:"takerQty"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req makeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, ok := s.venueAdapter(w, r, req.Venue)
	if !ok {
		return
	}

	orderID, err := a.MakeOrder(r.Context(), caller(r), &adapter.MakeRequest{
		MakerAsset: req.MakerAsset,
		TakerAsset: req.TakerAsset,
		MakerQty:   req.MakerQty,
		TakerQty:   req.TakerQty,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{"orderId": orderID})
}

type takeOrderRequest struct {
	Venue        string `json:"venue"`
	OrderID      int64  `json:"orderId"`
	MakerAsset   string `json:"makerAsset"`
	TakerAsset   string `json:"takerAsset"`
	FillTakerQty int64  `json:"fillTakerQty"`
}

func (s *Server) handleTakeOrder(w http.ResponseWriter, r *http.Request) {
	var req takeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, ok := s.venueAdapter(w, r, req.Venue)
	if !ok {
		return
	}

	res, err := a.TakeOrder(r.Context(), caller(r), &adapter.TakeRequest{
		OrderID:      req.OrderID,
		MakerAsset:   req.MakerAsset,
		TakerAsset:   req.TakerAsset,
		FillTakerQty: req.FillTakerQty,
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{
		"fillMakerQty": res.FillMakerQty,
		"fillTakerQty": res.FillTakerQty,
		"received":     res.Received,
	})
}

type swapRequest struct {
	Venue         string `json:"venue"`
	SrcAsset      string `json:"srcAsset"`
	DstAsset      string `json:"dstAsset"`
	SrcAmount     int64  `json:"srcAmount"`
	MinDestAmount int64  `json:"minDestAmount"`
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, ok := s.venueAdapter(w, r, req.Venue)
	if !ok {
		return
	}

	res, err := a.TakeOrder(r.Context(), caller(r), &adapter.TakeRequest{
		SrcAsset:      req.SrcAsset,
		DstAsset:      req.DstAsset,
		SrcAmount:     req.SrcAmount,
		MinDestAmount: req.MinDestAmount,
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{"received": res.Received})
}

type cancelOrderRequest struct {
	Venue      string `json:"venue"`
	MakerAsset string `json:"makerAsset"`
	OrderID    int64  `json:"orderId"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, ok := s.venueAdapter(w, r, req.Venue)
	if !ok {
		return
	}

	if err := a.CancelOrder(r.Context(), caller(r), &adapter.CancelRequest{
		MakerAsset: req.MakerAsset,
		OrderID:    req.OrderID,
	}); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, nil)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("venue")
	orderID, _ := strconv.ParseInt(r.URL.Query().Get("orderId"), 10, 64)

	a, ok := s.venueAdapter(w, r, venue)
	if !ok {
		return
	}
	view, err := a.GetOrder(r.Context(), orderID)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{
		"sellAsset": view.SellAsset,
		"buyAsset":  view.BuyAsset,
		"sellQty":   view.SellQty,
		"buyQty":    view.BuyQty,
	})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, s.book.OpenOrders())
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := s.vault.Balances(r.Context())
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, balances)
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, r, map[string]interface{}{
		"assets":   s.registry.Assets(),
		"capacity": s.registry.Capacity(),
	})
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if s.auditor == nil {
		response.WriteErrorCode(w, r, apperrors.CodeUnavailable, "audit store not configured")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	start, _ := strconv.ParseInt(q.Get("startTime"), 10, 64)
	end, _ := strconv.ParseInt(q.Get("endTime"), 10, 64)

	logs, err := s.auditor.Query(r.Context(), &audit.QueryFilter{
		Venue:     q.Get("venue"),
		EventType: audit.EventType(q.Get("eventType")),
		StartTime: start,
		EndTime:   end,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, logs)
}

type shutdownRequest struct {
	Down bool `json:"down"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		response.WriteSuccess(w, r, map[string]interface{}{"shutDown": s.gate.IsShutDown()})
		return
	}
	var req shutdownRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.gate.SetShutDown(r.Context(), caller(r), req.Down); err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.WriteSuccess(w, r, map[string]interface{}{"shutDown": s.gate.IsShutDown()})
}

// Run 启动 HTTP 服务，ctx 取消时优雅退出
func (s *Server) Run(addr string, stop <-chan struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-stop:
		if s.feed != nil {
			s.feed.CloseAll()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
