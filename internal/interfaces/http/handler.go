package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	appmarketdata "tradesim/internal/application/service/marketdata"
	"tradesim/internal/application/service/matching"
	domaininstruments "tradesim/internal/domain/entity/instruments"
	domainmarketdata "tradesim/internal/domain/entity/marketdata"
	"tradesim/internal/domain/entity/trading"
	"tradesim/internal/domain/interfaces"
)

const (
	simulationBasePath  = "/api/v1/simulation"
	marketdataBasePath  = "/api/v1/marketdata"
	instrumentsBasePath = "/api/v1/instruments"
)

var (
	errMissingInstrument = errors.New("instrument_uid query param required")
	errMissingRange      = errors.New("from/to query params required")
)

// Handler exposes the simulated exchange and the candle store over HTTP.
// Engine access is serialized: the engine itself is single-threaded.
type Handler struct {
	router      *gin.Engine
	engine      *matching.Engine
	engineMu    sync.Mutex
	marketdata  *appmarketdata.Service
	instruments interfaces.InstrumentRepository
	cache       *redis.Client
	cacheTTL    time.Duration
}

func NewHandler(
	engine *matching.Engine,
	md *appmarketdata.Service,
	instruments interfaces.InstrumentRepository,
	cache *redis.Client,
	cacheTTL time.Duration,
) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:      router,
		engine:      engine,
		marketdata:  md,
		instruments: instruments,
		cache:       cache,
		cacheTTL:    cacheTTL,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	sim := h.router.Group(simulationBasePath)
	{
		orders := sim.Group("/orders")
		{
			orders.POST("/", h.postOrder)
			orders.GET("/", h.listOrders)
			orders.GET("/:id", h.getOrder)
			orders.DELETE("/:id", h.cancelOrder)
		}
		sim.GET("/balance", h.getBalance)
		sim.GET("/positions", h.getPositions)
		sim.GET("/orderbook", h.getOrderBook)
	}

	md := h.router.Group(marketdataBasePath)
	if h.cache != nil {
		md.Use(h.cacheMiddleware())
	}
	{
		candles := md.Group("/candles")
		{
			candles.POST("/", h.addCandle)
			candles.POST("/batch", h.addCandlesBatch)
			candles.GET("/", h.getCandlesRange)
			candles.GET("/last", h.getLastCandle)
		}
	}

	inst := h.router.Group(instrumentsBasePath)
	if h.cache != nil {
		inst.Use(h.cacheMiddleware())
	}
	{
		inst.GET("/", h.getInstrument)
	}
}

// Simulation handlers

type orderPayload struct {
	InstrumentUID string `json:"instrument_uid" binding:"required"`
	Direction     string `json:"direction" binding:"required"`
	Type          string `json:"type" binding:"required"`
	Quantity      int64  `json:"quantity" binding:"required"`
	Price         string `json:"price,omitempty"`
}

type orderResponse struct {
	ID            string `json:"id"`
	InstrumentUID string `json:"instrument_uid"`
	Direction     string `json:"direction"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Quantity      int64  `json:"quantity"`
	Price         string `json:"price"`
	PostedAt      string `json:"posted_at"`
	ExecutedPrice string `json:"executed_price,omitempty"`
	LotsExecuted  int64  `json:"lots_executed,omitempty"`
	Commission    string `json:"commission,omitempty"`
	TotalAmount   string `json:"total_amount,omitempty"`
}

func toOrderResponse(o trading.Order) orderResponse {
	resp := orderResponse{
		ID:            o.ID.String(),
		InstrumentUID: o.InstrumentUID.String(),
		Direction:     o.Direction.String(),
		Type:          o.Type.String(),
		Status:        o.Status.String(),
		Quantity:      o.Quantity,
		Price:         o.Price.String(),
		PostedAt:      o.PostedAt.UTC().Format(time.RFC3339),
	}
	if o.Status == trading.StatusFill {
		resp.ExecutedPrice = o.ExecutedPrice.String()
		resp.LotsExecuted = o.LotsExecuted
		resp.Commission = o.Commission.String()
		resp.TotalAmount = o.TotalAmount.String()
	}
	return resp
}

func (h *Handler) postOrder(c *gin.Context) {
	var payload orderPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	uid, err := uuid.Parse(payload.InstrumentUID)
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("parse instrument_uid: %w", err))
		return
	}
	direction, err := parseDirection(payload.Direction)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	orderType, err := parseOrderType(payload.Type)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	price := decimal.Zero
	if payload.Price != "" {
		if price, err = decimal.NewFromString(payload.Price); err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("parse price: %w", err))
			return
		}
	}

	h.engineMu.Lock()
	order, err := h.engine.PostOrder(uid, direction, orderType, payload.Quantity, price)
	h.engineMu.Unlock()
	if err != nil {
		writeError(c, statusForEngineError(err), err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(*order))
}

func (h *Handler) listOrders(c *gin.Context) {
	h.engineMu.Lock()
	orders := h.engine.Orders()
	h.engineMu.Unlock()

	out := make([]orderResponse, len(orders))
	for i, o := range orders {
		out[i] = toOrderResponse(o)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("parse order id: %w", err))
		return
	}
	h.engineMu.Lock()
	order, err := h.engine.OrderState(id)
	h.engineMu.Unlock()
	if err != nil {
		writeError(c, statusForEngineError(err), err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(order))
}

func (h *Handler) cancelOrder(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("parse order id: %w", err))
		return
	}
	h.engineMu.Lock()
	err = h.engine.CancelOrder(id)
	h.engineMu.Unlock()
	if err != nil {
		writeError(c, statusForEngineError(err), err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getBalance(c *gin.Context) {
	h.engineMu.Lock()
	cash := h.engine.Cash()
	h.engineMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"cash": cash.String()})
}

func (h *Handler) getPositions(c *gin.Context) {
	h.engineMu.Lock()
	positions := h.engine.Positions()
	h.engineMu.Unlock()

	out := make(map[string]int64, len(positions))
	for uid, lots := range positions {
		out[uid.String()] = lots
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getOrderBook(c *gin.Context) {
	instrumentUID, err := parseUUIDQuery(c, "instrument_uid")
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingInstrument)
		return
	}
	depth, err := parseIntQuery(c, "depth")
	if err != nil {
		depth = 1
	}
	h.engineMu.Lock()
	book, err := h.engine.OrderBook(instrumentUID, int32(depth))
	h.engineMu.Unlock()
	if err != nil {
		writeError(c, statusForEngineError(err), err)
		return
	}
	c.JSON(http.StatusOK, book)
}

// Market data handlers

func (h *Handler) addCandle(c *gin.Context) {
	var candle domainmarketdata.Candle
	if err := c.ShouldBindJSON(&candle); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.marketdata.AddCandle(c.Request.Context(), &candle); err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) addCandlesBatch(c *gin.Context) {
	var candles []domainmarketdata.Candle
	if err := c.ShouldBindJSON(&candles); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if err := h.marketdata.AddCandles(c.Request.Context(), candles); err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (h *Handler) getCandlesRange(c *gin.Context) {
	instrumentUID, err := parseUUIDQuery(c, "instrument_uid")
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingInstrument)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingRange)
		return
	}
	candles, err := h.marketdata.CandlesBetween(c.Request.Context(), instrumentUID, from, to)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, candles)
}

func (h *Handler) getLastCandle(c *gin.Context) {
	instrumentUID, err := parseUUIDQuery(c, "instrument_uid")
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingInstrument)
		return
	}
	candle, err := h.marketdata.LastCandle(c.Request.Context(), instrumentUID)
	if err != nil {
		if errors.Is(err, domainmarketdata.ErrNoHistoricalData) {
			writeError(c, http.StatusNotFound, err)
			return
		}
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, candle)
}

// Instrument handlers

func (h *Handler) getInstrument(c *gin.Context) {
	ctx := c.Request.Context()
	if ticker := c.Query("ticker"); ticker != "" {
		inst, err := h.instruments.GetByTicker(ctx, ticker)
		if err != nil {
			writeError(c, statusForEngineError(err), err)
			return
		}
		c.JSON(http.StatusOK, inst)
		return
	}
	uid, err := parseUUIDQuery(c, "uid")
	if err != nil {
		writeError(c, http.StatusBadRequest, errors.New("ticker or uid query param required"))
		return
	}
	inst, err := h.instruments.GetByUID(ctx, uid)
	if err != nil {
		writeError(c, statusForEngineError(err), err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Helpers

func parseDirection(raw string) (trading.OrderDirection, error) {
	switch raw {
	case "buy":
		return trading.DirectionBuy, nil
	case "sell":
		return trading.DirectionSell, nil
	default:
		return trading.DirectionUnspecified, fmt.Errorf("unknown direction %q", raw)
	}
}

func parseOrderType(raw string) (trading.OrderType, error) {
	switch raw {
	case "limit":
		return trading.OrderTypeLimit, nil
	case "market":
		return trading.OrderTypeMarket, nil
	case "bestprice":
		return trading.OrderTypeBestPrice, nil
	default:
		return trading.OrderTypeUnspecified, fmt.Errorf("unknown order type %q", raw)
	}
}

func statusForEngineError(err error) int {
	switch {
	case errors.Is(err, trading.ErrOrderNotFound),
		errors.Is(err, domaininstruments.ErrNotFound),
		errors.Is(err, matching.ErrInstrumentNotTracked):
		return http.StatusNotFound
	case errors.Is(err, trading.ErrInvalidOrderState):
		return http.StatusConflict
	case errors.Is(err, domainmarketdata.ErrNoNewData):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// cacheMiddleware caches GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.FullPath(), c.Request.URL.RawQuery)
}

func parseUUIDQuery(c *gin.Context, key string) (uuid.UUID, error) {
	value := c.Query(key)
	if value == "" {
		return uuid.Nil, fmt.Errorf("%s query param required", key)
	}
	return uuid.Parse(value)
}

func parseIntQuery(c *gin.Context, key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("%s query param required", key)
	}
	return strconv.Atoi(value)
}

func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}
