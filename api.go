package piecesync

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Durchex/piecesync/common"
	"github.com/Durchex/piecesync/schema"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func (s *PieceSync) runAPI(port string) {
	s.registerRoutes()
	if err := s.engine.Run(port); err != nil {
		panic(err)
	}
}

func (s *PieceSync) registerRoutes() {
	r := s.engine
	r.Use(common.CORSMiddleware())
	v1 := r.Group("/")
	{
		v1.GET("/info", s.getInfo)

		// voucher boundary
		v1.POST("/vouchers", common.LimiterMiddleware(60, "M", s.config.IsWhitelisted), s.submitVoucher)
		v1.GET("/vouchers/:messageHash", s.getVoucher)
		v1.GET("/nonce/:network/:creator", s.getNonce)

		// purchase boundary
		v1.POST("/transfers", common.LimiterMiddleware(60, "M", s.config.IsWhitelisted), s.submitTransfer)
		v1.GET("/transfers/:requestId", s.getTransfer)

		// ledger
		v1.GET("/holdings/:network/:itemId", s.getHoldings)
		v1.GET("/trades/:network/:itemId", s.getTrades)

		// dead letters
		v1.GET("/deadletters/:network", s.getDeadLetters)
		v1.POST("/deadletters/:network/replay", s.replayDeadLetters)
	}
}

func (s *PieceSync) getInfo(c *gin.Context) {
	info := schema.RespInfo{Listeners: make([]schema.RespListener, 0)}
	for _, l := range s.Listeners() {
		info.Listeners = append(info.Listeners, schema.RespListener{
			Network: l.network,
			State:   l.State().String(),
			Queued:  l.QueueLen(),
		})
	}
	c.JSON(http.StatusOK, info)
}

func (s *PieceSync) submitVoucher(c *gin.Context) {
	sub := schema.VoucherSubmission{}
	if err := c.ShouldBindJSON(&sub); err != nil {
		errorResponse(c, err.Error())
		return
	}
	v, err := s.vouchers.SubmitVoucher(sub)
	if err != nil {
		if isClientError(err) {
			errorResponse(c, err.Error())
			return
		}
		log.Error("s.vouchers.SubmitVoucher(sub)", "err", err)
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *PieceSync) getVoucher(c *gin.Context) {
	v, err := s.vouchers.GetVoucher(c.Param("messageHash"))
	if errors.Is(err, schema.ErrVoucherNotFound) {
		notFoundResponse(c, err.Error())
		return
	}
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *PieceSync) getNonce(c *gin.Context) {
	creator := c.Param("creator")
	if !ethcommon.IsHexAddress(creator) {
		errorResponse(c, "creator must be a hex address")
		return
	}
	nonce := s.vouchers.GetCreatorNonce(c.Request.Context(), strings.ToLower(c.Param("network")), creator)
	c.JSON(http.StatusOK, schema.RespNonce{
		Creator: ethcommon.HexToAddress(creator).Hex(),
		Nonce:   nonce.String(),
	})
}

func (s *PieceSync) submitTransfer(c *gin.Context) {
	req := schema.TransferRequest{}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, err.Error())
		return
	}
	p, err := s.reconciler.Submit(req)
	if err != nil {
		if isClientError(err) {
			errorResponse(c, err.Error())
			return
		}
		log.Error("s.reconciler.Submit(req)", "err", err)
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, schema.RespTransfer{RequestId: p.RequestId, Status: p.Status, Attempts: p.Attempts})
}

func (s *PieceSync) getTransfer(c *gin.Context) {
	p, err := s.wdb.GetPendingTransfer(c.Param("requestId"))
	if errors.Is(err, schema.ErrNotExist) {
		notFoundResponse(c, err.Error())
		return
	}
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, schema.RespTransfer{RequestId: p.RequestId, Status: p.Status, Attempts: p.Attempts})
}

func (s *PieceSync) getHoldings(c *gin.Context) {
	res, err := s.wdb.GetHoldings(strings.ToLower(c.Param("network")), c.Param("itemId"))
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *PieceSync) getTrades(c *gin.Context) {
	res, err := s.wdb.GetTrades(strings.ToLower(c.Param("network")), c.Param("itemId"))
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *PieceSync) getDeadLetters(c *gin.Context) {
	l, ok := s.Listener(strings.ToLower(c.Param("network")))
	if !ok {
		notFoundResponse(c, "unknown network")
		return
	}
	evs, err := l.DeadLetters()
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	if evs == nil {
		evs = make([]schema.QueuedEvent, 0)
	}
	c.JSON(http.StatusOK, evs)
}

func (s *PieceSync) replayDeadLetters(c *gin.Context) {
	l, ok := s.Listener(strings.ToLower(c.Param("network")))
	if !ok {
		notFoundResponse(c, "unknown network")
		return
	}
	n, err := l.ReplayDeadLetters()
	if err != nil {
		internalErrorResponse(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, schema.RespReplay{Network: l.network, Replayed: n})
}

func isClientError(err error) bool {
	return errors.Is(err, schema.ErrValidation) ||
		errors.Is(err, schema.ErrSignature) ||
		errors.Is(err, schema.ErrDuplicateVoucher)
}

func errorResponse(c *gin.Context, err string) {
	// client error
	c.JSON(http.StatusBadRequest, schema.RespErr{
		Err: err,
	})
}

func notFoundResponse(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, schema.RespErr{
		Err: err,
	})
}

func internalErrorResponse(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, schema.RespErr{
		Err: err,
	})
}
